package config

// Config is the root configuration structure for scanorc.
// Serialised to ~/.scanorc/config.json.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"     json:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"orchestrator"`
	Notify       NotifyConfig       `mapstructure:"notify"       json:"notify"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// OrchestratorConfig controls the scan workflow engine, plugin runner and
// task bus.
type OrchestratorConfig struct {
	// PluginBinary is the executable resolved via PATH for every plugin
	// session (default: "scanorc-plugin-runner").
	PluginBinary string `mapstructure:"plugin_binary" json:"plugin_binary"`
	// GracefulStopSeconds is the window between the graceful-stop signal
	// and a forced KILL (default: 10).
	GracefulStopSeconds int `mapstructure:"graceful_stop_seconds" json:"graceful_stop_seconds"`
	// HeavyWorkers / LightWorkers / ScanWorkers / StateWorkers size each
	// Task Bus worker pool.
	HeavyWorkers int `mapstructure:"heavy_workers" json:"heavy_workers"`
	LightWorkers int `mapstructure:"light_workers" json:"light_workers"`
	ScanWorkers  int `mapstructure:"scan_workers"  json:"scan_workers"`
	StateWorkers int `mapstructure:"state_workers" json:"state_workers"`
	// Admission is the static IPv4-based allow/deny classifier (§4.4).
	Admission AdmissionConfig `mapstructure:"admission" json:"admission"`
}

// AdmissionConfig is consulted before a scan is allowed to run. Deny wins;
// an empty Allow list permits everything not denied.
type AdmissionConfig struct {
	Allow []string `mapstructure:"allow" json:"allow"`
	Deny  []string `mapstructure:"deny"  json:"deny"`
}

// NotifyConfig controls outbound push notifications fired on scan and
// finding events.
type NotifyConfig struct {
	Slack    SlackNotifyConfig    `mapstructure:"slack"        json:"slack"`
	Telegram TelegramNotifyConfig `mapstructure:"telegram"     json:"telegram"`
	Email    EmailNotifyConfig    `mapstructure:"email"        json:"email"`
	Webhook  WebhookNotifyConfig  `mapstructure:"webhook"      json:"webhook"`
	// MinSeverity controls which finding events trigger notifications.
	// Valid values: "High", "Medium", "Low", "" (all).
	MinSeverity string `mapstructure:"min_severity" json:"min_severity"`
	// Events is the explicit list of event types to notify on.
	// Empty means use defaults: scan.aborted, scan.failed, finding.severity.
	Events []string `mapstructure:"events" json:"events"`
}

// SlackNotifyConfig holds the Slack incoming webhook URL.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// TelegramNotifyConfig holds Telegram Bot API credentials.
type TelegramNotifyConfig struct {
	BotToken string `mapstructure:"bot_token" json:"bot_token"`
	ChatID   string `mapstructure:"chat_id"   json:"chat_id"`
}

// EmailNotifyConfig holds SMTP settings for email notifications.
type EmailNotifyConfig struct {
	SMTPHost string `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" json:"smtp_port"`
	Username string `mapstructure:"username"  json:"username"`
	Password string `mapstructure:"password"  json:"password"` // #nosec G101 -- config field, not a hardcoded credential
	From     string `mapstructure:"from"      json:"from"`
	To       string `mapstructure:"to"        json:"to"`
	UseTLS   bool   `mapstructure:"use_tls"   json:"use_tls"`
}

// WebhookNotifyConfig holds generic HTTP webhook settings.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"` // HMAC-SHA256 signing key // #nosec G101 -- config field, not a hardcoded credential
}

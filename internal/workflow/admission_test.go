package workflow

import (
	"net"
	"testing"
)

func fakeResolver(ip string) func(string) ([]net.IP, error) {
	return func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP(ip)}, nil
	}
}

func TestAdmissionDenyWinsOverAllow(t *testing.T) {
	a := NewAdmission([]string{"10.0.0.0/8"}, []string{"10.1.2.3/32"})
	a.Resolve = fakeResolver("10.1.2.3")
	if a.Permit("https://blocked.internal") {
		t.Fatal("expected deny to win over a broader allow entry")
	}
}

func TestAdmissionEmptyAllowPermitsAnythingNotDenied(t *testing.T) {
	a := NewAdmission(nil, []string{"192.168.0.0/16"})
	a.Resolve = fakeResolver("8.8.8.8")
	if !a.Permit("https://open.example.com") {
		t.Fatal("expected an empty allow list to permit any non-denied target")
	}
}

func TestAdmissionAllowListRestrictsToMembers(t *testing.T) {
	a := NewAdmission([]string{"10.0.0.0/8"}, nil)
	a.Resolve = fakeResolver("8.8.8.8")
	if a.Permit("https://outside.example.com") {
		t.Fatal("expected a non-empty allow list to reject targets outside it")
	}
}

func TestAdmissionFailsClosedOnResolveFailure(t *testing.T) {
	a := NewAdmission(nil, nil)
	a.Resolve = func(string) ([]net.IP, error) { return nil, &net.DNSError{Err: "no such host", IsNotFound: true} }
	if a.Permit("https://nowhere.invalid") {
		t.Fatal("expected a resolve failure to deny the target")
	}
}

func TestAdmissionClassifiesLiteralIPWithoutResolving(t *testing.T) {
	a := NewAdmission(nil, []string{"127.0.0.0/8"})
	a.Resolve = func(string) ([]net.IP, error) {
		t.Fatal("Resolve should not be called for a literal IP target")
		return nil, nil
	}
	if a.Permit("http://127.0.0.1:8080") {
		t.Fatal("expected the loopback target to be denied")
	}
}

package sbq

import (
	"context"
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		errMsg     string
	}{
		{name: "letters", identifier: "route"},
		{name: "underscore", identifier: "to_remote"},
		{name: "leading underscore", identifier: "_remote"},
		{name: "digits", identifier: "remote123"},
		{name: "mixed case", identifier: "RemoteRoute"},
		{name: "empty", identifier: "", errMsg: "identifier cannot be empty"},
		{name: "leading digit", identifier: "1route", errMsg: "invalid identifier"},
		{name: "dash", identifier: "to-remote", errMsg: "invalid identifier"},
		{name: "space", identifier: "to remote", errMsg: "invalid identifier"},
		{name: "bracket", identifier: "x]; DROP TABLE y; --", errMsg: "invalid identifier"},
		{name: "dot", identifier: "dbo.route", errMsg: "invalid identifier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.identifier)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("expected error containing %q, got: %v", tt.errMsg, err)
			}
		})
	}
}

func TestRouteCreateStatement(t *testing.T) {
	r := Route{
		Name:           "to_remote",
		Service:        MustParseAddress("tcp://remote:4022/o'rders"),
		BrokerInstance: "6f9619ff-8b86-d011-b42d-00c04fc964ff",
	}

	stmt, err := r.createStatement()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	want := "CREATE ROUTE [to_remote] WITH SERVICE_NAME = N'remote:4022/o''rders', " +
		"BROKER_INSTANCE = N'6F9619FF-8B86-D011-B42D-00C04FC964FF', ADDRESS = N'tcp://remote:4022'"
	if stmt != want {
		t.Fatalf("expected\n%s\ngot\n%s", want, stmt)
	}
}

func TestRouteCreateStatementRejectsBadInput(t *testing.T) {
	service := MustParseAddress("tcp://remote:4022/orders")

	if _, err := (Route{Name: "bad name", Service: service}).createStatement(); err == nil {
		t.Fatal("expected invalid name to be rejected")
	}
	if _, err := (Route{Name: "ok"}).createStatement(); err != ErrNilAddress {
		t.Fatalf("expected ErrNilAddress, got: %v", err)
	}
	if _, err := (Route{Name: "ok", Service: service, BrokerInstance: "'; --"}).createStatement(); err == nil {
		t.Fatal("expected invalid broker instance to be rejected")
	}
}

func TestAddRoute(t *testing.T) {
	b := newFakeBroker()
	r := Route{Name: "to_remote", Service: MustParseAddress("tcp://remote:4022/orders")}

	if err := AddRoute(context.Background(), b, r); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(b.statements) != 1 || !strings.HasPrefix(b.statements[0], "CREATE ROUTE [to_remote]") {
		t.Fatalf("unexpected statements %v", b.statements)
	}
}

func TestConfigureEndpointRejectsBadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		if err := ConfigureEndpoint(context.Background(), newFakeBroker(), port); err == nil {
			t.Errorf("expected port %d to be rejected", port)
		}
	}
}

func TestQuoting(t *testing.T) {
	if got := quoteName("a]b"); got != "[a]]b]" {
		t.Errorf("unexpected quoted name %q", got)
	}
	if got := quoteLiteral("it's"); got != "N'it''s'" {
		t.Errorf("unexpected quoted literal %q", got)
	}
}

package platform

import (
	"reflect"
	"testing"

	"github.com/adlift/adferry/internal/platform/googleads"
)

func TestNamesAndLookup(t *testing.T) {
	want := []string{"linkedin", "facebook", "googleads", "msads"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for _, name := range want {
		b, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) missing", name)
		}
		if b.BaseURL == "" {
			t.Errorf("%s: empty base url", name)
		}
		spec := b.Spec()
		if spec.Name != name {
			t.Errorf("%s: spec name = %q", name, spec.Name)
		}
		if len(spec.Tables) == 0 {
			t.Errorf("%s: no tables declared", name)
		}
		if x := b.New(nil, Settings{}, nil); x == nil {
			t.Errorf("%s: nil extractor", name)
		}
	}
	if _, ok := Lookup("tiktok"); ok {
		t.Error("Lookup accepted an unsupported platform")
	}
}

func TestGoogleHeadersCarryManagerAndToken(t *testing.T) {
	b, _ := Lookup("googleads")
	h := b.Headers(Settings{DeveloperToken: "devtok", Accounts: []string{"900"}})
	if h["developer-token"] != "devtok" || h["login-customer-id"] != "900" {
		t.Errorf("headers = %v", h)
	}

	h = b.Headers(Settings{})
	if h["login-customer-id"] != googleads.ManagerCustomerID {
		t.Errorf("default manager header = %q", h["login-customer-id"])
	}
	if _, ok := h["developer-token"]; ok {
		t.Error("empty developer token kept")
	}
}

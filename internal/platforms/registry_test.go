package platforms

import (
	"reflect"
	"testing"
)

func TestRegistry(t *testing.T) {
	reg := Registry()
	if got, want := reg.Names(), []string{"Facebook", "Twitch", "Youtube"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for _, name := range reg.Names() {
		p := reg[name]
		if p.New == nil {
			t.Errorf("%s has no factory", name)
		}
		if p.Defaults.RedirectURI == "" || p.Defaults.TokenURL == "" || p.Defaults.AuthorizationBaseURL == "" {
			t.Errorf("%s defaults incomplete: %+v", name, p.Defaults)
		}
	}
	if key, _, ok := reg.Lookup(" twitch "); !ok || key != "Twitch" {
		t.Fatalf("Lookup = %q %v", key, ok)
	}
}

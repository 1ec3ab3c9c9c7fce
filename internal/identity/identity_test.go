package identity

import "testing"

func TestResolveOwner_DisabledReturnsSyntheticOwner(t *testing.T) {
	r := NewResolver(Config{Enabled: false})
	owner, err := r.ResolveOwner("attrd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner.Username != "attrd" || owner.DN != "" {
		t.Errorf("expected synthetic owner with just the username, got %+v", owner)
	}
}

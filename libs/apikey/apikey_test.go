package apikey

import "testing"

func TestGenerateParseVerify(t *testing.T) {
	token, prefix, hash, err := Generate("dev")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	env, parsedPrefix, secret, err := Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env != "dev" {
		t.Fatalf("expected env dev, got %s", env)
	}
	if parsedPrefix != prefix {
		t.Fatalf("expected prefix %s, got %s", prefix, parsedPrefix)
	}
	if secret == "" {
		t.Fatalf("expected secret")
	}
	if err := Verify(token, hash); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	_, _, hash, err := Generate("dev")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := Verify("cb_dev_abc.wrong", hash); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := Verify("", hash); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey for empty token, got %v", err)
	}
}

func TestHashOpaquePartnerToken(t *testing.T) {
	if Hash("partner-secret") != Hash("  partner-secret ") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if err := Verify("partner-secret", Hash("partner-secret")); err != nil {
		t.Fatalf("verify opaque token: %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"nodot", "ck_dev_x.y", "cb__x.y", "cb_dev_.y", "cb_dev_x."} {
		if _, _, _, err := Parse(in); err == nil {
			t.Fatalf("expected parse error for %q", in)
		}
	}
}

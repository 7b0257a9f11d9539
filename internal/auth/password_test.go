package auth

import "testing"

// fastParams keeps argon2id cheap in tests; production costs come from config.
var fastParams = HashParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestPasswordRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("anch0r-aweigh!", fastParams)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" {
		t.Fatal("HashPassword() returned empty hash")
	}

	match, err := VerifyPassword("anch0r-aweigh!", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !match {
		t.Error("VerifyPassword() = false, want true for the original password")
	}

	match, err = VerifyPassword("wrong-password", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if match {
		t.Error("VerifyPassword() = true, want false for a different password")
	}
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("anch0r-aweigh!", fastParams)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *HashParams)
		want   bool
	}{
		{"same parameters", func(*HashParams) {}, false},
		{"raised memory", func(p *HashParams) { p.Memory *= 2 }, true},
		{"raised iterations", func(p *HashParams) { p.Iterations++ }, true},
		{"raised parallelism", func(p *HashParams) { p.Parallelism++ }, true},
		{"longer salt", func(p *HashParams) { p.SaltLength += 8 }, true},
		{"longer key", func(p *HashParams) { p.KeyLength += 8 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params := fastParams
			tt.mutate(&params)
			if got := params.NeedsRehash(hash); got != tt.want {
				t.Errorf("NeedsRehash() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsRehashUnparseableHash(t *testing.T) {
	t.Parallel()

	// A corrupt stored hash is not rehash-worthy; verification rejects it on its own.
	if fastParams.NeedsRehash("not-an-argon2id-hash") {
		t.Error("NeedsRehash() = true for unparseable hash, want false")
	}
}

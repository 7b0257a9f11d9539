package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"

	"github.com/harborchat/harbor-server/internal/config"
)

// HashParams are the argon2id cost parameters. They come from configuration so deployments can raise the cost over
// time; stored hashes carry their own parameters and are rotated lazily on login (see NeedsRehash).
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// HashParamsFromConfig extracts the configured argon2id parameters.
func HashParamsFromConfig(cfg *config.Config) HashParams {
	return HashParams{
		Memory:      cfg.Argon2Memory,
		Iterations:  cfg.Argon2Iterations,
		Parallelism: cfg.Argon2Parallelism,
		SaltLength:  cfg.Argon2SaltLength,
		KeyLength:   cfg.Argon2KeyLength,
	}
}

// HashPassword hashes a password with argon2id at the given cost.
func HashPassword(password string, p HashParams) (string, error) {
	hash, err := argon2id.CreateHash(password, &argon2id.Params{
		Memory:      p.Memory,
		Iterations:  p.Iterations,
		Parallelism: p.Parallelism,
		SaltLength:  p.SaltLength,
		KeyLength:   p.KeyLength,
	})
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks a plaintext password against a stored argon2id hash.
func VerifyPassword(password, hash string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return match, nil
}

// NeedsRehash reports whether a stored hash was produced with parameters other than p, meaning it should be
// regenerated on the next successful login. Unparseable hashes report false; they fail verification anyway.
func (p HashParams) NeedsRehash(hash string) bool {
	params, salt, key, err := argon2id.DecodeHash(hash)
	if err != nil {
		return false
	}
	return params.Memory != p.Memory ||
		params.Iterations != p.Iterations ||
		params.Parallelism != p.Parallelism ||
		uint32(len(salt)) != p.SaltLength ||
		uint32(len(key)) != p.KeyLength
}

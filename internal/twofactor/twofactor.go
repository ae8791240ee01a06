package twofactor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/roomcall/signaling/internal/redis"
)

const codeLength = 6

var (
	// ErrCodeInvalid covers a wrong, expired or already-consumed code.
	ErrCodeInvalid = errors.New("verification code invalid or expired")

	// ErrBackupCodeInvalid covers an unknown or already-used backup code.
	ErrBackupCodeInvalid = errors.New("backup code invalid or already used")
)

// Verifier is the verification-code collaborator the signaling layer gates
// room admission on. Issuance and delivery belong to the notification
// subsystem; the router only consumes this interface.
type Verifier interface {
	IsEnabled(userID string) (bool, error)
	SendCode(userID, channel, purpose string) error
	VerifyCode(userID, code, purpose string) error
	UseBackupCode(userID, code string) error
}

// CodeSender delivers a generated code over a channel (email, sms, ...).
// Delivery itself is external; implementations just hand the code off.
type CodeSender interface {
	Send(userID, channel, code string) error
}

// LogSender is the development fallback: it logs the code instead of
// delivering it.
type LogSender struct{}

func (LogSender) Send(userID, channel, code string) error {
	log.Printf("2FA code for user %s via %s: %s", userID, channel, code)
	return nil
}

// RedisVerifier stores codes in Redis with a TTL, consumed on first use.
// Backup codes live in a per-user set and are removed when spent.
type RedisVerifier struct {
	sender  CodeSender
	codeTTL time.Duration
}

func NewRedisVerifier(sender CodeSender, codeTTL time.Duration) *RedisVerifier {
	if sender == nil {
		sender = LogSender{}
	}
	return &RedisVerifier{sender: sender, codeTTL: codeTTL}
}

func codeKey(userID, purpose string) string {
	return "2fa:code:" + userID + ":" + purpose
}

func backupKey(userID string) string {
	return "2fa:backup:" + userID
}

// IsEnabled reports whether the user opted into two-factor verification.
func (v *RedisVerifier) IsEnabled(userID string) (bool, error) {
	client := redis.GetClient()
	ctx := redis.GetContext()

	enabled, err := client.SIsMember(ctx, "2fa:enabled", userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check 2fa status: %w", err)
	}
	return enabled, nil
}

// SetEnabled flips two-factor verification for the user.
func (v *RedisVerifier) SetEnabled(userID string, enabled bool) error {
	client := redis.GetClient()
	ctx := redis.GetContext()

	var err error
	if enabled {
		err = client.SAdd(ctx, "2fa:enabled", userID).Err()
	} else {
		err = client.SRem(ctx, "2fa:enabled", userID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update 2fa status: %w", err)
	}
	return nil
}

// SendCode generates a fresh code, stores it with the configured TTL and
// hands it to the sender. A new code replaces any pending one.
func (v *RedisVerifier) SendCode(userID, channel, purpose string) error {
	client := redis.GetClient()
	ctx := redis.GetContext()

	code := generateCode()
	if err := client.Set(ctx, codeKey(userID, purpose), code, v.codeTTL).Err(); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}
	return v.sender.Send(userID, channel, code)
}

// VerifyCode consumes the pending code for (user, purpose). A code verifies
// at most once.
func (v *RedisVerifier) VerifyCode(userID, code, purpose string) error {
	client := redis.GetClient()
	ctx := redis.GetContext()

	stored, err := client.GetDel(ctx, codeKey(userID, purpose)).Result()
	if err == goredis.Nil {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to read verification code: %w", err)
	}
	if stored != code {
		// The code was consumed by the failed attempt; the user must
		// request a new one.
		return ErrCodeInvalid
	}
	return nil
}

// UseBackupCode spends a one-shot backup code.
func (v *RedisVerifier) UseBackupCode(userID, code string) error {
	client := redis.GetClient()
	ctx := redis.GetContext()

	removed, err := client.SRem(ctx, backupKey(userID), code).Result()
	if err != nil {
		return fmt.Errorf("failed to use backup code: %w", err)
	}
	if removed == 0 {
		return ErrBackupCodeInvalid
	}
	return nil
}

// StoreBackupCodes replaces the user's backup code set.
func (v *RedisVerifier) StoreBackupCodes(userID string, codes []string) error {
	client := redis.GetClient()
	ctx := redis.GetContext()

	if err := client.Del(ctx, backupKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	if len(codes) == 0 {
		return nil
	}
	members := make([]interface{}, len(codes))
	for i, c := range codes {
		members[i] = c
	}
	if err := client.SAdd(ctx, backupKey(userID), members...).Err(); err != nil {
		return fmt.Errorf("failed to store backup codes: %w", err)
	}
	return nil
}

// generateCode produces a numeric verification code.
func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		code[i] = byte('0' + n.Int64())
	}
	return string(code)
}

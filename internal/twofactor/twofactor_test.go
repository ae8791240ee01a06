package twofactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code := generateCode()
		assert.Len(t, code, codeLength)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9', "code is numeric")
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1, "codes vary")
}

func TestLogSenderNeverFails(t *testing.T) {
	assert.NoError(t, LogSender{}.Send("alice", "email", "123456"))
}

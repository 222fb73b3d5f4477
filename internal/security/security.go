// Package security holds the input-validation predicates applied to
// tenant-supplied commands, identifiers and image names before they
// reach a container.
package security

import (
	"regexp"
	"strings"
)

type Severity string

const (
	SeveritySafe     Severity = "safe"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ValidationResult reports whether an input may be forwarded and, if
// not, which rule stopped it.
type ValidationResult struct {
	Safe           bool     `json:"is_safe"`
	Reason         string   `json:"reason,omitempty"`
	Severity       Severity `json:"severity"`
	BlockedPattern string   `json:"blocked_pattern,omitempty"`
}

const maxInputLength = 10000

var blockedCommands = []string{
	// destructive
	"rm -rf /",
	"rm -rf /*",
	"rm -fr /",
	"rm -fr /*",
	"dd if=/dev/zero of=/dev/sda",
	"mkfs",
	":(){ :|:& };:",
	"echo c > /proc/sysrq-trigger",
	// container escape
	"nsenter",
	"docker exec",
	"docker run --privileged",
	"mount /dev/sda",
	// network attacks
	"nc -e",
	"ncat -e",
	"bash -i >& /dev/tcp",
	"/dev/tcp/",
	"/dev/udp/",
}

var dangerousPatterns = []*regexp.Regexp{
	// fork bombs
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;:`),
	// recursive deletion of root
	regexp.MustCompile(`rm\s+(-[rfR]+\s+)*(/\s*$|/\*|/\s+)`),
	// dd straight to a block device
	regexp.MustCompile(`dd\s+.*of=/dev/(sd|hd|nvme|vd)[a-z]`),
	// reverse shells
	regexp.MustCompile(`bash\s+-i\s*>&\s*/dev/tcp`),
	regexp.MustCompile(`nc\s+.*-e\s+(/bin/)?(ba)?sh`),
	regexp.MustCompile(`ncat\s+.*-e\s+(/bin/)?(ba)?sh`),
	regexp.MustCompile(`python.*socket.*connect`),
	regexp.MustCompile(`perl.*socket.*connect`),
	// container escape
	regexp.MustCompile(`nsenter\s+--target\s+1`),
	regexp.MustCompile(`docker\s+.*--privileged`),
	regexp.MustCompile(`mount\s+.*proc`),
	regexp.MustCompile(`/proc/\d+/(root|ns)`),
	// kernel manipulation
	regexp.MustCompile(`/proc/sys(rq-trigger|/kernel)`),
	regexp.MustCompile(`echo\s+.*>\s*/proc/`),
	// cron persistence
	regexp.MustCompile(`crontab\s+-[er]`),
	regexp.MustCompile(`/etc/cron`),
	// ssh key injection
	regexp.MustCompile(`\.ssh/authorized_keys`),
	// system file modification
	regexp.MustCompile(`/etc/(passwd|shadow|sudoers)`),
	regexp.MustCompile(`chmod\s+[0-7]*777`),
	regexp.MustCompile(`chown\s+root`),
}

var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`(?i)%2e%2e[/\\]`),
	regexp.MustCompile(`(?i)%252e%252e[/\\]`),
	regexp.MustCompile(`\.%00\.`),
}

// ValidateInput screens a command or keystroke batch before it is
// forwarded into a container.
func ValidateInput(input string) ValidationResult {
	lower := strings.ToLower(input)

	for _, blocked := range blockedCommands {
		if strings.Contains(lower, blocked) {
			return ValidationResult{
				Safe:           false,
				Reason:         "Blocked dangerous command pattern detected",
				Severity:       SeverityCritical,
				BlockedPattern: blocked,
			}
		}
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(input) {
			return ValidationResult{
				Safe:           false,
				Reason:         "Dangerous command pattern detected",
				Severity:       SeverityCritical,
				BlockedPattern: pattern.String(),
			}
		}
	}

	for _, pattern := range pathTraversalPatterns {
		if pattern.MatchString(input) {
			return ValidationResult{
				Safe:           false,
				Reason:         "Path traversal attempt detected",
				Severity:       SeverityWarning,
				BlockedPattern: pattern.String(),
			}
		}
	}

	if strings.ContainsRune(input, 0) {
		return ValidationResult{
			Safe:           false,
			Reason:         "Null byte injection detected",
			Severity:       SeverityWarning,
			BlockedPattern: `\0`,
		}
	}

	if len(input) > maxInputLength {
		return ValidationResult{
			Safe:     false,
			Reason:   "Input exceeds maximum allowed length",
			Severity: SeverityWarning,
		}
	}

	return ValidationResult{Safe: true, Severity: SeveritySafe}
}

// ValidateTenant checks a tenant identifier: 1-255 chars of
// letters, digits, dot, underscore or hyphen.
func ValidateTenant(tenant string) bool {
	if tenant == "" || len(tenant) > 255 {
		return false
	}
	for _, c := range tenant {
		if !isAlnum(c) && c != '_' && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

// ValidateImage rejects image references carrying shell metacharacters.
func ValidateImage(image string) bool {
	if image == "" || len(image) > 255 {
		return false
	}
	return !strings.ContainsAny(image, "$`|;&><\\\"'")
}

// SanitizeContainerName strips everything but alnum, '-' and '_' and
// caps the result at Docker's 63-char name limit.
func SanitizeContainerName(name string) string {
	var b strings.Builder
	for _, c := range name {
		if b.Len() >= 63 {
			break
		}
		if isAlnum(c) || c == '-' || c == '_' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ClientIP resolves the caller address behind proxies: first hop of
// X-Forwarded-For, then X-Real-IP, then the remote address.
func ClientIP(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP != "" {
		return realIP
	}
	return remoteAddr
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

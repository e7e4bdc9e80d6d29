// File: internal/blocker/blocker.go
// Description: Pattern-matches page text and URL against known blocker
// signatures (auth failure, CAPTCHA, MFA, rate limit, session expiry,
// access denial, page errors, consent banners) and reports the type,
// confidence and recommended resolution path.
package blocker

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// Options controls a single detection pass.
type Options struct {
	// MinConfidence is the lowest signature confidence that counts as a
	// detection. The verification path uses 0.8 by default.
	MinConfidence float64
	// SkipCookieConsent leaves consent banners to the action layer instead
	// of the blocker loop.
	SkipCookieConsent bool
	// SkipPageError leaves generic page errors to the correction loop.
	SkipPageError bool
}

// signature is one known blocker pattern with its confidence.
type signature struct {
	pattern    string // Lowercase substring matched against page text.
	confidence float64
}

// signatureTable is the ordered signature set for one blocker type.
type signatureTable struct {
	typ        schemas.BlockerType
	signatures []signature
	// loginGate requires the page to be in a login context before this
	// table may match (guards login-failure against unrelated error text).
	loginGate bool
	// skippable tables can be disabled per call via Options.
	skippable bool
}

// Detection order matters: CAPTCHA and MFA run before login failure so a
// CAPTCHA on a login page is not misreported as a credentials error;
// consent banners and generic page errors run last and are individually
// skippable.
var tables = []signatureTable{
	{
		typ: schemas.BlockerCaptcha,
		signatures: []signature{
			{"recaptcha", 0.95},
			{"hcaptcha", 0.95},
			{"i'm not a robot", 0.95},
			{"captcha", 0.9},
			{"verify you are human", 0.9},
			{"unusual traffic from your", 0.85},
		},
	},
	{
		typ: schemas.BlockerMFA,
		signatures: []signature{
			{"two-factor authentication", 0.95},
			{"authenticator app", 0.95},
			{"enter the code we sent", 0.9},
			{"one-time password", 0.9},
			{"2fa", 0.85},
			{"verification code", 0.85},
		},
	},
	{
		typ:       schemas.BlockerLoginFailure,
		loginGate: true,
		signatures: []signature{
			{"invalid credentials", 0.95},
			{"invalid username or password", 0.95},
			{"incorrect password", 0.95},
			{"login failed", 0.9},
			{"authentication failed", 0.9},
			{"incorrect email", 0.85},
			{"account is locked", 0.85},
		},
	},
	{
		typ: schemas.BlockerRateLimit,
		signatures: []signature{
			{"too many requests", 0.95},
			{"rate limit", 0.95},
			{"slow down", 0.8},
			{"try again later", 0.8},
		},
	},
	{
		typ: schemas.BlockerSessionExpired,
		signatures: []signature{
			{"session expired", 0.95},
			{"session has expired", 0.95},
			{"please log in again", 0.85},
			{"you have been signed out", 0.85},
		},
	},
	{
		typ: schemas.BlockerAccessDenied,
		signatures: []signature{
			{"403 forbidden", 0.95},
			{"access denied", 0.9},
			{"permission denied", 0.9},
			{"you are not authorized", 0.85},
			{"not authorized to view", 0.85},
		},
	},
	{
		typ:       schemas.BlockerCookieConsent,
		skippable: true,
		signatures: []signature{
			{"accept all cookies", 0.9},
			{"we use cookies", 0.9},
			{"accept cookies", 0.9},
			{"cookie policy", 0.8},
			{"manage cookie preferences", 0.8},
		},
	},
	{
		typ:       schemas.BlockerPageError,
		skippable: true,
		signatures: []signature{
			{"500 internal server error", 0.95},
			{"502 bad gateway", 0.95},
			{"503 service unavailable", 0.95},
			{"404", 0.85},
			{"page not found", 0.85},
			{"something went wrong", 0.8},
			{"an error occurred", 0.75},
		},
	},
}

// loginContextWindow is how much of the page text (beyond the URL) is
// examined for login context.
const loginContextWindow = 600

// Classifier detects blockers on a page.
type Classifier struct {
	log *zap.Logger
}

// New creates a blocker classifier.
func New(logger *zap.Logger) *Classifier {
	return &Classifier{log: logger.Named("blocker")}
}

// Detect returns the first signature match at or above the minimum
// confidence, in table order. A zero-valued result with Detected=false
// means no blocker.
func (c *Classifier) Detect(pageText, pageURL string, opts Options) schemas.BlockerDetectionResult {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.8
	}
	text := strings.ToLower(pageText)
	loginContext := hasLoginContext(text, strings.ToLower(pageURL))

	for _, table := range tables {
		if table.skippable && c.skipped(table.typ, opts) {
			continue
		}
		if table.loginGate && !loginContext {
			continue
		}
		for _, sig := range table.signatures {
			if sig.confidence < opts.MinConfidence {
				continue
			}
			if strings.Contains(text, sig.pattern) {
				c.log.Debug("Blocker signature matched",
					zap.String("type", string(table.typ)),
					zap.String("pattern", sig.pattern),
					zap.Float64("confidence", sig.confidence))
				return buildResult(table.typ, sig)
			}
		}
	}
	return schemas.BlockerDetectionResult{Detected: false}
}

func (c *Classifier) skipped(typ schemas.BlockerType, opts Options) bool {
	switch typ {
	case schemas.BlockerCookieConsent:
		return opts.SkipCookieConsent
	case schemas.BlockerPageError:
		return opts.SkipPageError
	}
	return false
}

// hasLoginContext reports whether the URL or the early page text suggests a
// login flow.
func hasLoginContext(text, pageURL string) bool {
	for _, marker := range []string{"login", "log-in", "signin", "sign-in", "sign_in", "auth"} {
		if strings.Contains(pageURL, marker) {
			return true
		}
	}
	head := text
	if len(head) > loginContextWindow {
		head = head[:loginContextWindow]
	}
	for _, marker := range []string{"login", "log in", "sign in", "sign-in"} {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// buildResult fills in the per-type resolution guidance.
func buildResult(typ schemas.BlockerType, sig signature) schemas.BlockerDetectionResult {
	res := schemas.BlockerDetectionResult{
		Detected:      true,
		Type:          typ,
		Confidence:    sig.confidence,
		MatchedSignal: sig.pattern,
	}
	switch typ {
	case schemas.BlockerLoginFailure:
		res.RequiredInputs = []string{"username", "password"}
		res.ResolutionMethods = []string{"provide_credentials"}
	case schemas.BlockerMFA:
		res.RequiredInputs = []string{"mfa_code"}
		res.ResolutionMethods = []string{"provide_mfa_code"}
	case schemas.BlockerCaptcha:
		res.RequiredInputs = []string{"captcha_solution"}
		res.ResolutionMethods = []string{"solve_captcha"}
	case schemas.BlockerRateLimit:
		res.RetryAfter = 30 * time.Second
		res.ResolutionMethods = []string{"retry_after_delay"}
	case schemas.BlockerSessionExpired:
		res.RequiredInputs = []string{"username", "password"}
		res.ResolutionMethods = []string{"reauthenticate"}
	case schemas.BlockerAccessDenied:
		res.ResolutionMethods = []string{"request_access", "use_different_account"}
	case schemas.BlockerCookieConsent:
		res.ResolutionMethods = []string{"dismiss_banner"}
	case schemas.BlockerPageError:
		res.RetryAfter = 5 * time.Second
		res.ResolutionMethods = []string{"retry_after_delay", "navigate_back"}
	}
	return res
}

// RequiresUserInput reports whether a blocker type needs the task to pause
// for user-supplied input.
func RequiresUserInput(typ schemas.BlockerType) bool {
	switch typ {
	case schemas.BlockerLoginFailure, schemas.BlockerMFA, schemas.BlockerCaptcha,
		schemas.BlockerSessionExpired, schemas.BlockerAccessDenied:
		return true
	}
	return false
}

// AutoRetryable reports whether a blocker type may be retried automatically
// after a delay, without user involvement.
func AutoRetryable(typ schemas.BlockerType) bool {
	switch typ {
	case schemas.BlockerRateLimit, schemas.BlockerPageError:
		return true
	}
	return false
}

// AutoDismissable reports whether the action layer may silently dismiss
// the blocker (e.g. clicking a consent banner away).
func AutoDismissable(typ schemas.BlockerType) bool {
	return typ == schemas.BlockerCookieConsent
}

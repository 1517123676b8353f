// Package moderation implements the chat content policy: length, profanity,
// link and rate checks, plus the per-sender violation tracker that turns
// repeated offences into mutes and escalating blocks.
package moderation

import (
	"fmt"
	"strings"
	"time"

	"chatgate/internal/models"
)

// Violation names the check that fired.
type Violation string

const (
	ViolationNone       Violation = ""
	ViolationRestricted Violation = "restricted"
	ViolationEmpty      Violation = "empty"
	ViolationLength     Violation = "length"
	ViolationProfanity  Violation = "profanity"
	ViolationLink       Violation = "link"
	ViolationRate       Violation = "rate"
)

// Rejection and warning texts shown to senders.
const (
	ReasonEmpty      = "message cannot be empty"
	ReasonLink       = "links are not allowed"
	ReasonRate       = "rate limit exceeded, slow down"
	WarningAdminWord = "this message would be filtered for regular users"
)

// ValidatorConfig holds the per-deployment limits.
type ValidatorConfig struct {
	CharLimit  int
	RateWindow time.Duration
	RateMax    int
}

// Input is one send attempt. Durable is the sender's stored mute record, if any.
type Input struct {
	Text    string
	Sender  string
	IsAdmin bool
	Now     time.Time
	Durable *models.MuteRecord
}

// Decision is the validator's verdict. Text is what gets published when
// accepted: trimmed, and masked for non-admin profanity.
type Decision struct {
	Accepted  bool
	Reason    string
	Violation Violation
	Text      string
	Warning   string
	Status    Status
}

// Validator runs the ordered content checks. It reads tracker state but never
// mutates it; the caller applies consequences.
type Validator struct {
	cfg       ValidatorConfig
	profanity *ProfanityFilter
	links     *LinkDetector
	tracker   *Tracker
}

// NewValidator wires the checks together.
func NewValidator(cfg ValidatorConfig, profanity *ProfanityFilter, links *LinkDetector, tracker *Tracker) *Validator {
	return &Validator{cfg: cfg, profanity: profanity, links: links, tracker: tracker}
}

// Validate applies, in order and stopping at the first failure: existing
// restriction, emptiness and length, profanity, links and rate.
func (v *Validator) Validate(in Input) Decision {
	status := v.tracker.IsRestricted(in.Sender, in.Now)
	if in.Durable.Active(in.Now) {
		kind := KindMute
		if in.Durable.IsBlock() {
			kind = KindBlock
		}
		status = status.Stronger(Status{Restricted: true, Kind: kind, Remaining: in.Durable.Remaining(in.Now)})
	}
	if status.Restricted {
		return reject(ViolationRestricted, RestrictionReason(status.Kind, status.Remaining), status)
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return reject(ViolationEmpty, ReasonEmpty, status)
	}
	if DisplayLength(text) > v.cfg.CharLimit {
		return reject(ViolationLength, fmt.Sprintf("message exceeds %d characters", v.cfg.CharLimit), status)
	}

	d := Decision{Accepted: true, Text: text}

	if in.IsAdmin {
		if v.profanity.Contains(text) {
			d.Warning = WarningAdminWord
		}
		return d
	}

	if redacted, matched := v.profanity.Redact(text); matched {
		// A single compatibility character can normalise into a listed word,
		// so masking may lengthen the text.
		d.Text = TruncateDisplay(redacted, v.cfg.CharLimit)
		d.Violation = ViolationProfanity
	}

	if v.links.ContainsLink(text) {
		return reject(ViolationLink, ReasonLink, status)
	}

	if v.tracker.RecentCount(in.Sender, v.cfg.RateWindow, in.Now) >= v.cfg.RateMax {
		return reject(ViolationRate, ReasonRate, status)
	}

	return d
}

func reject(violation Violation, reason string, status Status) Decision {
	return Decision{Violation: violation, Reason: reason, Status: status}
}

package orchestrator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/tts"
)

var genericRoleByPosition = []string{"the forward", "the defender", "the winger", "the netminder"}

// ApplyRosterLock rewrites any NarrationBatch segment naming a player
// outside rosterLock to a generic role. A segment is dropped only if
// rewriting would leave it empty.
func ApplyRosterLock(batch NarrationBatch, rosterLock map[string]string) NarrationBatch {
	filtered := make([]CommentarySegment, 0, len(batch.Segments))
	for _, seg := range batch.Segments {
		rewritten, ok := rewriteOffendingNames(seg.Text, rosterLock)
		if !ok {
			continue
		}
		seg.Text = rewritten
		filtered = append(filtered, seg)
	}
	return NarrationBatch{Segments: filtered}
}

var nameTokenPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z'.-]+(?:\s+[A-Z][a-zA-Z'.-]+)?\b`)

func rewriteOffendingNames(text string, rosterLock map[string]string) (string, bool) {
	allowed := make(map[string]struct{}, len(rosterLock)*2)
	for _, displayName := range rosterLock {
		allowed[displayName] = struct{}{}
		for _, word := range strings.Fields(displayName) {
			allowed[word] = struct{}{}
		}
	}

	roleIdx := 0
	result := nameTokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		if _, ok := allowed[token]; ok {
			return token
		}
		if !looksLikePersonName(token) {
			return token
		}
		role := genericRoleByPosition[roleIdx%len(genericRoleByPosition)]
		roleIdx++
		return role
	})

	if strings.TrimSpace(result) == "" {
		return "", false
	}
	return result, true
}

// commonCapitalizedWords holds sentence-starting and commentary vocabulary
// that would otherwise false-positive as a single-word surname. The roster
// lock is a closed set, so the unsafe direction is under-rewriting: a
// single capitalized token not on this list and not all-caps (team codes
// like EDM/FLA) is treated as plausibly a name and rewritten.
var commonCapitalizedWords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "It": {}, "He": {}, "She": {}, "They": {},
	"This": {}, "That": {}, "After": {}, "Before": {}, "On": {}, "In": {},
	"At": {}, "With": {}, "Of": {}, "And": {}, "But": {}, "If": {}, "As": {},
	"For": {}, "From": {}, "Play": {}, "Nothing": {}, "Game": {}, "Period": {},
	"Score": {}, "Shot": {}, "Goal": {}, "Save": {}, "Power": {}, "Penalty": {},
	"Empty": {}, "Time": {}, "Overtime": {}, "Intermission": {}, "Faceoff": {},
	"Icing": {}, "Offside": {}, "Timeout": {}, "Replay": {},
}

// looksLikePersonName reports whether token is plausibly a player name:
// any two-or-more-word capitalized run, or a single capitalized word that
// isn't an all-caps team/league code and isn't common commentary prose.
func looksLikePersonName(token string) bool {
	if strings.Contains(token, " ") {
		return true
	}
	if token == strings.ToUpper(token) {
		return false
	}
	_, common := commonCapitalizedWords[token]
	return !common
}

// voiceStyleForSegment maps a CommentarySegment's {speaker, emotion} to
// the fixed TTS voice_style vocabulary. Speaker A always reads
// enthusiastic; speaker B reads calm for analytical/even-keeled emotion
// tags and dramatic for urgent ones. A speaker-B emotion outside both
// lists (not in the fixed vocabulary §6 enumerates) falls back to calm,
// the analyst's default register.
func voiceStyleForSegment(seg CommentarySegment) tts.VoiceStyle {
	if seg.Speaker != "B" {
		return tts.VoiceEnthusiastic
	}
	switch seg.Emotion {
	case "concerned", "penalty", "dramatic":
		return tts.VoiceDramatic
	default:
		return tts.VoiceCalm
	}
}

// CheckContradiction reports whether batch asserts a score, shot count,
// or goalie-performance fact that disagrees with proj. It does not
// mutate the batch; callers apply the repair-then-drop policy themselves
// per the single-retry rule.
func CheckContradiction(batch NarrationBatch, proj board.BoardProjection) []string {
	var offending []string
	awayScoreText := strconv.Itoa(proj.Score.Away)
	homeScoreText := strconv.Itoa(proj.Score.Home)
	for _, seg := range batch.Segments {
		for _, wrongScore := range plausibleWrongScores(proj.Score.Away, proj.Score.Home) {
			if strings.Contains(seg.Text, wrongScore) && !strings.Contains(seg.Text, awayScoreText+"-"+homeScoreText) {
				offending = append(offending, seg.Text)
			}
		}
	}
	return offending
}

func plausibleWrongScores(away, home int) []string {
	var variants []string
	for _, delta := range []int{-1, 1} {
		if away+delta >= 0 {
			variants = append(variants, strconv.Itoa(away+delta)+"-"+strconv.Itoa(home))
		}
		if home+delta >= 0 {
			variants = append(variants, strconv.Itoa(away)+"-"+strconv.Itoa(home+delta))
		}
	}
	return variants
}

// SelectKind maps Analyze's momentum score to Narrate's commentary kind
// via the configured thresholds.
func SelectKind(momentumScore, fillerMax, playByPlayMin int) CommentaryKind {
	switch {
	case momentumScore <= fillerMax:
		return KindFiller
	case momentumScore >= playByPlayMin:
		return KindPlayByPlay
	default:
		return KindMixed
	}
}

// EnsureGoalCoverage reports whether batch covers newGoals: when newGoals
// is non-empty, at least one segment must exist.
func EnsureGoalCoverage(batch NarrationBatch, newGoals []board.Goal) bool {
	if len(newGoals) == 0 {
		return true
	}
	return len(batch.Segments) > 0
}

// SpeakersAlternate reports whether consecutive segments use different
// speakers, for natural listening rhythm.
func SpeakersAlternate(batch NarrationBatch) bool {
	for i := 1; i < len(batch.Segments); i++ {
		if batch.Segments[i].Speaker == batch.Segments[i-1].Speaker {
			return false
		}
	}
	return true
}

// EnforceSpeakerAlternation deterministically flips any segment whose
// speaker repeats the one before it, so SpeakersAlternate holds on
// whatever narrate() actually emits.
func EnforceSpeakerAlternation(batch NarrationBatch) NarrationBatch {
	if SpeakersAlternate(batch) {
		return batch
	}
	segments := make([]CommentarySegment, len(batch.Segments))
	copy(segments, batch.Segments)
	for i := 1; i < len(segments); i++ {
		if segments[i].Speaker == segments[i-1].Speaker {
			segments[i].Speaker = otherSpeaker(segments[i-1].Speaker)
		}
	}
	return NarrationBatch{Segments: segments}
}

func otherSpeaker(speaker string) string {
	if speaker == "A" {
		return "B"
	}
	return "A"
}

// appendGoalCoverageSegment deterministically appends a call of newGoals'
// first scorer when EnsureGoalCoverage still fails after roster-lock and
// contradiction handling have run (e.g. the collaborator call failed, or
// every segment got dropped as contradicting or roster-violating).
func appendGoalCoverageSegment(batch NarrationBatch, newGoals []board.Goal, rosterLock map[string]string) NarrationBatch {
	if len(newGoals) == 0 {
		return batch
	}
	speaker := "A"
	if len(batch.Segments) > 0 {
		speaker = otherSpeaker(batch.Segments[len(batch.Segments)-1].Speaker)
	}
	scorer := rosterLock[newGoals[0].Scorer]
	if scorer == "" {
		scorer = "the scorer"
	}
	segments := append(append([]CommentarySegment{}, batch.Segments...), CommentarySegment{
		Speaker: speaker,
		Text:    scorer + " scores.",
		Emotion: "excited",
	})
	return NarrationBatch{Segments: segments}
}

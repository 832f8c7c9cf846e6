package reputation

import "github.com/user/abusewatch/internal/model"

// Classify maps a confidence score onto a threat level. Both thresholds are
// inclusive lower bounds; callers guarantee suspicious < malicious.
func Classify(score, suspicious, malicious int) model.ThreatLevel {
	switch {
	case score >= malicious:
		return model.LevelMalicious
	case score >= suspicious:
		return model.LevelSuspicious
	default:
		return model.LevelSafe
	}
}

// Package probe implements the multi-stage Probing Pipeline (C4): it
// drives ordered extractor invocations with jitter, per-stage timeouts,
// strategy upgrades, and early-abort on non-recoverable errors, then
// parses the surviving stage's JSON into a domain.ProbeResult.
package probe

import (
	"time"

	"lumina/internal/domain"
)

// stageLadder returns the ordered stage sequence for a classification,
// per spec §4.4. fastMode trims the ladder to its first two rungs (the
// FAST_INFO environment variable's documented effect).
func stageLadder(class domain.SiteClassification, fastMode bool) []domain.ProbeStage {
	var stages []domain.ProbeStage
	switch class {
	case domain.SiteYouTube:
		stages = []domain.ProbeStage{
			domain.ProbeStagePrimary,
			domain.ProbeStageYouTubeNoRestrict,
			domain.ProbeStageHardened,
			domain.ProbeStageExtended,
			domain.ProbeStageYouTubeV6,
		}
	case domain.SiteTwitter:
		stages = []domain.ProbeStage{
			domain.ProbeStagePrimary,
			domain.ProbeStageHardened,
			domain.ProbeStageExtended,
			domain.ProbeStageTwitterV6,
		}
	default:
		stages = []domain.ProbeStage{
			domain.ProbeStagePrimary,
			domain.ProbeStageHardened,
		}
	}

	if fastMode && len(stages) > 2 {
		stages = stages[:2]
	}
	return stages
}

// stageTimeout returns the per-stage child-process timeout. Later stages
// relax their timeout since they carry a heavier flag set meant to
// survive slower/adversarial paths.
func stageTimeout(stage domain.ProbeStage, fastMode bool) time.Duration {
	base := map[domain.ProbeStage]time.Duration{
		domain.ProbeStagePrimary:           15 * time.Second,
		domain.ProbeStageYouTubeNoRestrict: 15 * time.Second,
		domain.ProbeStageHardened:          20 * time.Second,
		domain.ProbeStageExtended:          25 * time.Second,
		domain.ProbeStageTwitterV6:         25 * time.Second,
		domain.ProbeStageYouTubeV6:         25 * time.Second,
	}[stage]
	if base == 0 {
		base = 15 * time.Second
	}
	if fastMode {
		base /= 2
	}
	return base
}

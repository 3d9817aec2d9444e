package domain

// ProbeStage names one rung of the probing ladder (spec §4.4). The Site
// Strategy Registry (C1) composes different extractor flags per stage;
// the Probing Pipeline (C4) drives them in order.
type ProbeStage string

const (
	ProbeStagePrimary            ProbeStage = "primary"
	ProbeStageYouTubeNoRestrict  ProbeStage = "youtube_no_restrict"
	ProbeStageHardened           ProbeStage = "hardened"
	ProbeStageExtended           ProbeStage = "extended"
	ProbeStageTwitterV6          ProbeStage = "twitter_v6"
	ProbeStageYouTubeV6          ProbeStage = "youtube_v6"
)

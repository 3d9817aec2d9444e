// Package siteregistry implements the Site Strategy Registry (C1): given
// a URL it deterministically classifies the host and, given a probe
// stage, composes the extractor flag set to use. Grounded on
// original_source/site_configs.py's SiteConfig class, translated from a
// dict-returning method per call into a pure Go struct builder.
package siteregistry

import (
	"net/url"
	"strings"

	"lumina/internal/domain"
)

// knownAdultHosts backs the adult-generic classification. Not
// exhaustive; new hosts are added here as they're identified.
var knownAdultHosts = []string{
	"pornhub.com",
	"xvideos.com",
	"xnxx.com",
	"xhamster.com",
}

// Registry composes SiteProfiles. DisableAccelerator mirrors the
// DISABLE_ACCELERATOR environment override from spec §6.
type Registry struct {
	DisableAccelerator bool
}

func New(disableAccelerator bool) *Registry {
	return &Registry{DisableAccelerator: disableAccelerator}
}

// Classify applies the first-match-wins host rules from spec §4.1.
func (r *Registry) Classify(rawURL string) domain.SiteClassification {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.SiteGeneric
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.Contains(host, "youtube.com"), strings.Contains(host, "youtu.be"):
		return domain.SiteYouTube
	case strings.Contains(host, "twitter.com"), strings.Contains(host, "x.com"):
		return domain.SiteTwitter
	case strings.Contains(host, "missav"):
		return domain.SiteMissAV
	}
	for _, adult := range knownAdultHosts {
		if strings.Contains(host, adult) {
			return domain.SiteAdult
		}
	}
	return domain.SiteGeneric
}

// acceleratorDenied forbids the external accelerator for hosts where it
// is known to trigger anti-bot responses or simply doesn't help (spec
// §4.1's accelerator policy).
func acceleratorDenied(class domain.SiteClassification) bool {
	switch class {
	case domain.SiteYouTube, domain.SiteMissAV:
		return true
	default:
		return false
	}
}

// Profile composes the SiteProfile for a URL at a given probe stage.
// fastMode shortens timeouts/retries per the FAST_INFO environment
// variable.
func (r *Registry) Profile(rawURL string, stage domain.ProbeStage, fastMode bool) domain.SiteProfile {
	class := r.Classify(rawURL)

	p := domain.SiteProfile{
		Classification: class,
		Headers:        map[string]string{},
		Timeouts:       baseTimeouts(fastMode),
		Concurrency:    4,
		ChunkSize:      1 << 20, // 1 MiB
		UseAccelerator: domain.AcceleratorAuto,
	}
	p.Flags = append(p.Flags, "--no-warnings", "--no-check-certificate")

	if r.DisableAccelerator || acceleratorDenied(class) {
		p.UseAccelerator = domain.AcceleratorOff
	}

	switch class {
	case domain.SiteYouTube:
		applyYouTube(&p, stage)
	case domain.SiteTwitter:
		applyTwitter(&p, stage)
	case domain.SiteMissAV:
		applyMissAV(&p, stage)
	case domain.SiteAdult:
		applyAdultGeneric(&p, stage)
	}

	applyStageEscalation(&p, stage)
	return p
}

func baseTimeouts(fastMode bool) domain.Timeouts {
	if fastMode {
		return domain.Timeouts{Socket: 8, Retries: 2, FragmentRetries: 2, RetrySleep: 1}
	}
	return domain.Timeouts{Socket: 20, Retries: 5, FragmentRetries: 5, RetrySleep: 2}
}

func applyYouTube(p *domain.SiteProfile, stage domain.ProbeStage) {
	if stage == domain.ProbeStagePrimary {
		p.Flags = append(p.Flags, "--no-playlist")
	}
	p.Headers["User-Agent"] = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	p.Concurrency = 4
	p.ChunkSize = 1 << 20
}

func applyTwitter(p *domain.SiteProfile, stage domain.ProbeStage) {
	p.Headers["User-Agent"] = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15"
	if stage == domain.ProbeStagePrimary {
		p.JitterMinMS = 150
		p.JitterMaxMS = 600
	}
	if stage == domain.ProbeStageExtended || stage == domain.ProbeStageTwitterV6 {
		p.Headers["Accept"] = "*/*"
		p.Headers["Origin"] = "https://twitter.com"
		p.Timeouts.Socket += 10
		p.Timeouts.Retries += 3
	}
}

func applyMissAV(p *domain.SiteProfile, _ domain.ProbeStage) {
	p.ImpersonateProfile = "chrome"
	p.Headers["Referer"] = "https://missav.com/"
}

func applyAdultGeneric(p *domain.SiteProfile, _ domain.ProbeStage) {
	p.Headers["Referer"] = ""
}

// applyStageEscalation layers on the generic hardened/extended/v6 stage
// parameters that apply regardless of site classification.
func applyStageEscalation(p *domain.SiteProfile, stage domain.ProbeStage) {
	switch stage {
	case domain.ProbeStageHardened:
		p.Flags = append(p.Flags, "--ignore-errors", "--force-ipv4")
		p.Timeouts.RetrySleep *= 2
		p.Timeouts.FragmentRetries += 3
	case domain.ProbeStageExtended:
		p.Timeouts.Socket += 10
		p.Timeouts.Retries += 3
	case domain.ProbeStageTwitterV6, domain.ProbeStageYouTubeV6:
		p.Flags = append(p.Flags, "--force-ipv6")
		p.Timeouts.Socket += 10
		p.Timeouts.Retries += 3
	}
}

package probe

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"lumina/internal/domain"
	"lumina/internal/domain/ports"
	"lumina/internal/errclass"
	"lumina/internal/siteregistry"
)

// StageObserver is notified as the pipeline advances, used by the
// Inflight Coalescer to keep an entry's reported stage current.
type StageObserver func(domain.ProbeStage)

// Pipeline drives the ordered probe stage ladder against the extractor.
type Pipeline struct {
	Extractor   ports.Extractor
	Registry    *siteregistry.Registry
	Preflight   *Preflighter
	Cookies     siteregistry.CookieStrategy
	HasCookiesFile bool
	Proxy       string
}

// Run executes the stage ladder for url and returns either a parsed
// ProbeResult or a classified terminal error.
func (p *Pipeline) Run(ctx context.Context, rawURL string, geoBypass bool, fastMode bool, observe StageObserver) (domain.ProbeResult, domain.ErrorKind, string, error) {
	class := p.Registry.Classify(rawURL)

	if class == domain.SiteTwitter && p.Preflight != nil {
		host := hostOf(rawURL)
		ok, degraded, err := p.Preflight.Check(ctx, host)
		if err != nil {
			return domain.ProbeResult{}, domain.ErrorTwitterNetworkBlock, "twitter network path unreachable", nil
		}
		_ = ok
		_ = degraded // not returned; a lenient-mode degraded result proceeds like a healthy one
	}

	stages := stageLadder(class, fastMode)

	var lastTail string
	for _, stage := range stages {
		if observe != nil {
			observe(stage)
		}

		if err := ctx.Err(); err != nil {
			return domain.ProbeResult{}, domain.ErrorTimeout, "request canceled", err
		}

		profile := p.Registry.Profile(rawURL, stage, fastMode)
		if profile.JitterMinMS > 0 && profile.JitterMaxMS > profile.JitterMinMS {
			sleepJitter(ctx, profile.JitterMinMS, profile.JitterMaxMS)
		}

		args := p.buildArgs(rawURL, profile, geoBypass, stage, class)
		timeout := stageTimeout(stage, fastMode)
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		res, runErr := p.Extractor.Run(stageCtx, args, nil)
		cancel()

		if runErr == nil && res.ExitCode == 0 {
			result, parseErr := ParsePayload([]byte(res.Stdout))
			if parseErr == nil {
				return result, "", "", nil
			}
			lastTail = res.Stdout
			continue
		}

		lastTail = res.Stderr
		if lastTail == "" {
			lastTail = res.Stdout
		}
		kind, msg := errclass.Classify(lastTail)
		if kind.TerminatesProbing() {
			return domain.ProbeResult{}, kind, msg, nil
		}
	}

	kind, msg := errclass.Classify(lastTail)
	return domain.ProbeResult{}, kind, msg, nil
}

func (p *Pipeline) buildArgs(rawURL string, profile domain.SiteProfile, geoBypass bool, stage domain.ProbeStage, class domain.SiteClassification) []string {
	args := []string{"--dump-single-json", "--no-progress"}
	args = append(args, profile.Flags...)

	if stage == domain.ProbeStagePrimary && class == domain.SiteYouTube {
		args = append(args, "--no-playlist")
	}
	if stage == domain.ProbeStageYouTubeNoRestrict {
		args = removeFlag(args, "--no-playlist")
	}

	for k, v := range profile.Headers {
		if v != "" {
			args = append(args, "--add-header", fmt.Sprintf("%s: %s", k, v))
		}
	}
	if profile.ImpersonateProfile != "" {
		args = append(args, "--impersonate", profile.ImpersonateProfile)
	}
	if geoBypass {
		args = append(args, "--geo-bypass")
	}
	if p.Proxy != "" {
		args = append(args, "--proxy", p.Proxy)
	}
	args = append(args, p.Cookies.Args(p.HasCookiesFile)...)
	args = append(args, rawURL)
	return args
}

func removeFlag(args []string, flag string) []string {
	out := args[:0:0]
	for _, a := range args {
		if a != flag {
			out = append(out, a)
		}
	}
	return out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func sleepJitter(ctx context.Context, minMS, maxMS int) {
	d := time.Duration(minMS+rand.Intn(maxMS-minMS+1)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

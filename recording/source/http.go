// Package source resolves capture commands into stream endpoints by asking
// an upstream programme resolver.
package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/internal/httpclient"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/pacer"
	"github.com/teranos/onair/pulse/retry"
	"github.com/teranos/onair/recording"
)

// maxBodyBytes caps how much of a resolver response is read.
const maxBodyBytes = 1 << 20

// Config describes the resolver endpoint.
type Config struct {
	BaseURL      string
	ServiceKinds []string
	UserAgent    string
	Timeout      time.Duration
	BlockPrivate bool
}

// HTTPSource resolves commands through GET {base}/programs/{service}/{id}.
type HTTPSource struct {
	base      *url.URL
	kinds     map[string]bool
	userAgent string
	client    *http.Client
	policy    *retry.Policy
	pacer     *pacer.Pacer
	streams   httpclient.Options
	logger    *zap.SugaredLogger
}

// programResponse is the resolver payload.
type programResponse struct {
	StreamURL string                `json:"stream_url"`
	Headers   map[string]string     `json:"headers"`
	Program   recording.ProgramInfo `json:"program"`
}

// NewHTTPSource validates cfg and builds the source. policy and p may be
// shared with other callers of the same upstream.
func NewHTTPSource(cfg Config, policy *retry.Policy, p *pacer.Pacer, log *zap.SugaredLogger) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.NewInvalidRequestError("source base URL is required")
	}
	base, err := httpclient.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"), httpclient.Options{BlockPrivate: cfg.BlockPrivate})
	if err != nil {
		return nil, errors.Wrap(err, "invalid source base URL")
	}
	if len(cfg.ServiceKinds) == 0 {
		return nil, errors.NewInvalidRequestError("source needs at least one service kind")
	}
	if policy == nil {
		policy = retry.DefaultPolicy(log)
	}
	if p == nil {
		p = pacer.New(pacer.DefaultInterval, pacer.DefaultJitter)
	}

	kinds := make(map[string]bool, len(cfg.ServiceKinds))
	for _, k := range cfg.ServiceKinds {
		kinds[strings.ToLower(strings.TrimSpace(k))] = true
	}

	return &HTTPSource{
		base:      base,
		kinds:     kinds,
		userAgent: cfg.UserAgent,
		client:    httpclient.New(httpclient.Options{Timeout: cfg.Timeout, BlockPrivate: cfg.BlockPrivate}),
		policy:    policy,
		pacer:     p,
		streams:   httpclient.Options{AllowedSchemes: []string{"http", "https"}},
		logger:    log,
	}, nil
}

// CanHandle reports whether kind is one of the configured service kinds.
func (s *HTTPSource) CanHandle(kind string) bool {
	return s.kinds[strings.ToLower(kind)]
}

// Prepare looks the programme up and returns its stream.
func (s *HTTPSource) Prepare(ctx context.Context, cmd recording.Command) (*recording.SourceResult, error) {
	endpoint := s.base.JoinPath("programs", cmd.ServiceKind, cmd.ProgramID)
	name := "lookup " + cmd.ServiceKind + "/" + cmd.ProgramID

	resp, err := retry.SendWithRetry(ctx, s.policy, s.client, name, func(ctx context.Context) (*http.Request, error) {
		if err := s.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, s.userAgent)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), name)
		}
		return nil, errors.Wrap(errors.Mark(err, errors.ErrSourceUnavailable), name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrapf(errors.ErrAuthFailed, "%s: status %d", name, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(errors.ErrSourceUnavailable, "%s: programme not found", name)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Wrapf(errors.ErrSourceUnavailable, "%s: status %d", name, resp.StatusCode)
	}

	var payload programResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrSourceUnavailable), "%s: decode response", name)
	}
	if strings.TrimSpace(payload.StreamURL) == "" {
		return nil, errors.Wrapf(errors.ErrSourceUnavailable, "%s: response has no stream URL", name)
	}
	if _, err := httpclient.ValidateURL(payload.StreamURL, s.streams); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrSourceUnavailable), "%s: unusable stream URL", name)
	}

	program := mergeProgram(payload.Program, cmd)
	s.logger.Debugw("Resolved stream",
		logger.FieldService, cmd.ServiceKind,
		logger.FieldProgram, cmd.ProgramID,
		logger.FieldStation, program.StationID)

	return &recording.SourceResult{
		StreamURL: payload.StreamURL,
		Headers:   payload.Headers,
		Program:   program,
		Options: recording.Options{
			ServiceKind: cmd.ServiceKind,
			TimeFree:    cmd.TimeFree,
			OnDemand:    cmd.OnDemand,
			StartDelay:  cmd.StartDelay,
			EndDelay:    cmd.EndDelay,
		},
	}, nil
}

// mergeProgram fills gaps in the resolver's metadata from the command.
func mergeProgram(p recording.ProgramInfo, cmd recording.Command) recording.ProgramInfo {
	if p.ServiceKind == "" {
		p.ServiceKind = cmd.ServiceKind
	}
	if p.ProgramID == "" {
		p.ProgramID = cmd.ProgramID
	}
	if p.Title == "" {
		p.Title = cmd.ProgramName
	}
	if p.StationID == "" {
		p.StationID = cmd.StationID
	}
	if p.StartAt.IsZero() {
		p.StartAt = cmd.StartAt
	}
	if p.EndAt.IsZero() {
		p.EndAt = cmd.EndAt
	}
	return p
}

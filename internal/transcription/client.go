package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/logger"
)

type PublishResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		LanguageId       int    `json:"LanguageId"`
		TranscriptionURL string `json:"TranscriptionURL"`
		WordsCount       int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type StatusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		AudioURL             string `json:"AudioURL"`
		LanguageId           int    `json:"LanguageId"`
		Status               string `json:"Status"`
		TranscriptionTextURL string `json:"TranscriptionTextURL"`
		WordsCount           int    `json:"WordsCount"`
	} `json:"Data"`
	Reason   string `json:"Reason,omitempty"`
	UniqueId string `json:"UniqueId,omitempty"`
}

type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	PollAttempts int
	// CallType is sent with every publish request.
	CallType string
}

// Client talks to the publish / poll / download transcription service.
type Client struct {
	cfg   ClientConfig
	http  *http.Client
	log   *logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("transcription base url not set")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 40
	}
	if cfg.CallType == "" {
		cfg.CallType = "PNS"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.Component("transcription"),
		sleep: sleepContext,
	}, nil
}

// Fetch publishes the recording, waits for the transcript and downloads it.
func (c *Client) Fetch(ctx context.Context, audioURL string) (string, error) {
	log := c.log.WithField("audio_url", audioURL)
	log.Info("starting transcription")

	mediaID, existingURL, err := c.publish(ctx, audioURL)
	if err != nil {
		return "", err
	}
	if existingURL != "" {
		log.WithField("existing_url", existingURL).Info("transcription already exists, downloading text")
		return c.download(ctx, existingURL)
	}
	finalURL, err := c.poll(ctx, mediaID)
	if err != nil {
		return "", err
	}
	log.WithField("final_url", finalURL).Info("transcription completed, downloading text")
	return c.download(ctx, finalURL)
}

func (c *Client) publish(ctx context.Context, audioURL string) (string, string, error) {
	endpoint := c.cfg.BaseURL + "/transcribe"
	newReq := func() (*http.Request, error) {
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		_ = w.WriteField("callRecordingLink", audioURL)
		_ = w.WriteField("callType", c.cfg.CallType)
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &b)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}

	var resp PublishResponse
	if err := c.doJSON(ctx, newReq, &resp); err != nil {
		return "", "", c.transportFailure(ctx, "publish", err)
	}
	if resp.Code != http.StatusOK {
		return "", "", failure.New(failure.KindTranscriptionFailed, "transcribe publish rejected",
			map[string]any{"code": resp.Code, "reason": resp.Reason})
	}
	if resp.Data.TranscriptionURL != "" && strings.EqualFold(strings.TrimSpace(resp.Data.Status), "success") {
		return "", resp.Data.TranscriptionURL, nil
	}
	if resp.Data.MediaId == "" {
		return "", "", failure.New(failure.KindTranscriptionFailed, "transcribe publish returned no media id", nil)
	}
	return resp.Data.MediaId, "", nil
}

func (c *Client) poll(ctx context.Context, mediaID string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/getstatus")
	if err != nil {
		return "", fmt.Errorf("parse status url: %w", err)
	}
	q := u.Query()
	q.Set("mediaId", mediaID)
	u.RawQuery = q.Encode()
	statusURL := u.String()

	for i := 0; i < c.cfg.PollAttempts; i++ {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", err
		}
		newReq := func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		}
		var s StatusResponse
		if err := c.doJSON(ctx, newReq, &s); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.log.WithError(err).WithField("media_id", mediaID).Warn("polling failed")
			continue
		}
		c.log.WithField("media_id", mediaID).WithField("status", s.Data.Status).Debug("polling transcription")

		switch strings.ToLower(s.Data.Status) {
		case "success":
			return s.Data.TranscriptionTextURL, nil
		case "queued", "processing":
			continue
		case "failed":
			return "", failedStatus(mediaID, s.Reason)
		}
	}
	return "", failure.New(failure.KindProcessingTimeout, "transcription did not complete",
		map[string]any{"media_id": mediaID, "attempts": c.cfg.PollAttempts})
}

// failedStatus separates recordings the service could not hear from service faults.
func failedStatus(mediaID, reason string) error {
	details := map[string]any{"media_id": mediaID, "reason": reason}
	lower := strings.ToLower(reason)
	for _, hint := range []string{"audio", "noise", "silence", "silent", "inaudible", "quality"} {
		if strings.Contains(lower, hint) {
			return failure.New(failure.KindAudioQuality, "recording could not be transcribed", details)
		}
	}
	return failure.New(failure.KindTranscriptionFailed, "transcription reported failure", details)
}

func (c *Client) download(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", failure.Wrap(failure.KindTranscriptionFailed, err, "bad transcript url", nil).MarkPermanent()
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportFailure(ctx, "download", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.transportFailure(ctx, "download", err)
	}
	if resp.StatusCode >= 300 {
		return "", failure.New(failure.KindTranscriptionFailed, "download failed",
			map[string]any{"status": resp.StatusCode, "body": truncate(string(body), 200)})
	}
	return string(body), nil
}

func (c *Client) doJSON(ctx context.Context, newReq func() (*http.Request, error), target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.Timeout

	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, truncate(string(body), 200)))
		}
		if len(body) == 0 {
			return errors.New("empty body")
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("json decode error: %w", err))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Client) transportFailure(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failure.Wrap(failure.KindTranscriptionFailed, err, step+" failed", nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

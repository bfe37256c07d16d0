// Package claude provides Anthropic-backed model executors for shelf image
// extraction. Each executor sends the image and a stage-specific prompt to a
// Claude vision model and parses the JSON answer into candidate items.
package claude

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfsight/shelfscan/internal/executor"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
)

const defaultMaxTokens = 4096

// messenger is the slice of the Anthropic API the executor needs. The SDK
// lives behind it so tests can script responses.
type messenger interface {
	send(ctx context.Context, req messageRequest) (*messageResponse, error)
}

// messageRequest is one vision call: an image block plus a text prompt.
type messageRequest struct {
	Model          string
	MaxTokens      int64
	System         string
	Prompt         string
	ImageMediaType string
	ImageBase64    string
}

// messageResponse is the flattened answer: concatenated text blocks plus
// token usage for cost attribution.
type messageResponse struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// RefusalError reports that the model declined to answer or returned no
// usable text. It is permanent; retrying the same prompt will not help.
type RefusalError struct {
	Executor   string
	StopReason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("claude: executor %s got no usable answer (stop reason %q)", e.Executor, e.StopReason)
}

// MalformedOutputError reports that the model answered but the text did not
// follow the JSON contract.
type MalformedOutputError struct {
	Executor string
	Reason   string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("claude: executor %s returned malformed output: %s", e.Executor, e.Reason)
}

// Executor is one Anthropic-backed extraction backend. It implements
// executor.ModelExecutor; rate limiting, retries, and breakers live in the
// fan-out adapter, not here.
type Executor struct {
	name  string
	model string
	msgr  messenger
	http  *http.Client

	mu     sync.Mutex
	images map[string]loadedImage
}

type loadedImage struct {
	mediaType string
	base64    string
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the client used to fetch URL image references.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Executor) { e.http = hc }
}

// withMessenger swaps the SDK messenger; tests use it to script answers.
func withMessenger(m messenger) Option {
	return func(e *Executor) { e.msgr = m }
}

// New creates an executor named name calling modelID with the given API key.
// baseURL overrides the Anthropic endpoint when non-empty.
func New(name, modelID, apiKey, baseURL string, opts ...Option) *Executor {
	e := &Executor{
		name:   name,
		model:  modelID,
		msgr:   newSDKMessenger(apiKey, baseURL),
		http:   &http.Client{Timeout: 30 * time.Second},
		images: make(map[string]loadedImage),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the configured executor name.
func (e *Executor) Name() string { return e.name }

// Extract sends the work unit's image and prompt to the model and parses the
// answer. Refusals and malformed output come back as permanent typed errors,
// never as an empty candidate.
func (e *Executor) Extract(ctx context.Context, req executor.Request) (*model.Candidate, error) {
	img, err := e.loadImage(ctx, req.ImageRef)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := e.msgr.send(ctx, messageRequest{
		Model:          e.model,
		MaxTokens:      maxTokens,
		System:         systemPrompt,
		Prompt:         buildPrompt(req.Unit, req.Schema, req.Retry),
		ImageMediaType: img.mediaType,
		ImageBase64:    img.base64,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "claude: executor %s send", e.name)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" || resp.StopReason == "refusal" {
		return nil, resilience.NewPermanentError(&RefusalError{
			Executor:   e.name,
			StopReason: resp.StopReason,
		})
	}

	items, err := parseItems(e.name, text)
	if err != nil {
		if resp.StopReason == "max_tokens" {
			// Truncated JSON parses as malformed; name the real cause.
			return nil, resilience.NewPermanentError(&MalformedOutputError{
				Executor: e.name,
				Reason:   "answer truncated at the token ceiling",
			})
		}
		return nil, resilience.NewPermanentError(err)
	}

	return &model.Candidate{
		Items:        items,
		InputTokens:  int(resp.InputTokens),
		OutputTokens: int(resp.OutputTokens),
	}, nil
}

// loadImage resolves an image reference to base64 data. References are either
// local paths or http(s) URLs; loaded images are cached because every unit of
// a run addresses the same frame.
func (e *Executor) loadImage(ctx context.Context, ref string) (loadedImage, error) {
	if ref == "" {
		return loadedImage{}, resilience.NewPermanentError(eris.New("claude: empty image reference"))
	}

	e.mu.Lock()
	img, ok := e.images[ref]
	e.mu.Unlock()
	if ok {
		return img, nil
	}

	data, err := e.readImage(ctx, ref)
	if err != nil {
		return loadedImage{}, err
	}

	mediaType := http.DetectContentType(data)
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return loadedImage{}, resilience.NewPermanentError(
			eris.Errorf("claude: image %s has unsupported media type %s", ref, mediaType))
	}

	img = loadedImage{
		mediaType: mediaType,
		base64:    base64.StdEncoding.EncodeToString(data),
	}

	e.mu.Lock()
	if len(e.images) >= 8 {
		// Runs address one frame each; anything cached this long ago is stale.
		e.images = make(map[string]loadedImage)
	}
	e.images[ref] = img
	e.mu.Unlock()
	return img, nil
}

func (e *Executor) readImage(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "claude: create image request for %s", ref)
		}
		resp, err := e.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "claude: fetch image %s", ref)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("claude: fetch image %s: status %d", ref, resp.StatusCode)
			if !resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewPermanentError(err)
			}
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrapf(err, "claude: read image %s", ref)
		}
		return data, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "claude: read image file %s", ref))
	}
	return data, nil
}

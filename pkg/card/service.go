// Package card drives DingTalk AI cards, the streaming message surface a
// reply is typed into.
package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

// Status is the card's flowStatus value.
type Status string

const (
	StatusProcessing Status = "1"
	StatusInputing   Status = "2"
	StatusFinished   Status = "3"
	StatusExecuting  Status = "4"
	StatusFailed     Status = "5"
)

const (
	contentKey = "msgContent"

	instancesPath = "/v1.0/card/instances"
	deliverPath   = "/v1.0/card/instances/deliver"
	streamingPath = "/v1.0/card/streaming"
)

var fullJSONOrder = mustJSON(map[string][]string{"order": {contentKey}})

// API is the authenticated OpenAPI caller, normally *dingtalk.Client.
type API interface {
	Call(ctx context.Context, method, path string, body any, query url.Values) (json.RawMessage, error)
}

// Instance is one delivered card. Updates to an instance are serialized.
type Instance struct {
	ID string

	mu              sync.Mutex
	inputingStarted bool
	finalized       bool
}

func (i *Instance) Finalized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.finalized
}

// Service creates and updates AI card instances.
type Service struct {
	api        API
	templateID string
	newID      func() string
}

type Option func(*Service)

func WithTemplateID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.templateID = id
		}
	}
}

// WithIDGenerator replaces the uuid-based outTrackId and guid generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

func NewService(api API, opts ...Option) *Service {
	s := &Service{
		api:        api,
		templateID: config.DefaultCardTemplateID,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSpaceID addresses a group or one-to-one robot conversation.
func OpenSpaceID(conversationID string, isGroup bool) string {
	if isGroup {
		return "dtv1.card//IM_GROUP." + conversationID
	}
	return "dtv1.card//IM_ROBOT." + conversationID
}

type cardData struct {
	CardParamMap map[string]string `json:"cardParamMap"`
}

type createRequest struct {
	CardTemplateID string   `json:"cardTemplateId"`
	OutTrackID     string   `json:"outTrackId"`
	CardData       cardData `json:"cardData"`
	CallbackType   string   `json:"callbackType"`
}

type deliverRequest struct {
	OutTrackID  string `json:"outTrackId"`
	OpenSpaceID string `json:"openSpaceId"`
}

type updateRequest struct {
	OutTrackID string   `json:"outTrackId"`
	CardData   cardData `json:"cardData"`
}

type streamingRequest struct {
	OutTrackID string `json:"outTrackId"`
	GUID       string `json:"guid"`
	Key        string `json:"key"`
	Content    string `json:"content"`
	IsFull     bool   `json:"isFull"`
	IsFinalize bool   `json:"isFinalize"`
	IsError    bool   `json:"isError"`
}

// Create creates a card and delivers it to the conversation. It returns nil
// when either call fails; callers fall back to plain messages.
func (s *Service) Create(ctx context.Context, conversationID string, isGroup bool) *Instance {
	id := s.newID()

	_, err := s.api.Call(ctx, http.MethodPost, instancesPath, createRequest{
		CardTemplateID: s.templateID,
		OutTrackID:     id,
		CardData:       cardData{CardParamMap: map[string]string{}},
		CallbackType:   "STREAM",
	}, nil)
	if err != nil {
		logger.ErrorCF("card", "Failed to create AI card", map[string]any{"error": err.Error()})
		return nil
	}

	space := OpenSpaceID(conversationID, isGroup)
	if _, err := s.api.Call(ctx, http.MethodPost, deliverPath, deliverRequest{
		OutTrackID:  id,
		OpenSpaceID: space,
	}, nil); err != nil {
		logger.ErrorCF("card", "Failed to deliver AI card", map[string]any{
			"card":  id,
			"space": space,
			"error": err.Error(),
		})
		return nil
	}

	logger.InfoCF("card", "Delivered AI card", map[string]any{"card": id, "space": space})
	return &Instance{ID: id}
}

// Stream replaces the card's content. The first call on an instance moves
// it to the inputing state.
func (s *Service) Stream(ctx context.Context, inst *Instance, content string, finalize bool) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return s.streamLocked(ctx, inst, content, finalize)
}

// Finish sends the final content and marks the card finished. An error
// means the final content never reached the card; a failed FINISHED status
// transition after that is only logged.
func (s *Service) Finish(ctx context.Context, inst *Instance, content string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := s.streamLocked(ctx, inst, content, true); err != nil {
		return err
	}
	inst.finalized = true
	if err := s.updateStatus(ctx, inst.ID, StatusFinished, content); err != nil {
		logger.WarnCF("card", "AI card content final but status update failed", map[string]any{
			"card":  inst.ID,
			"error": err.Error(),
		})
		return nil
	}
	logger.InfoCF("card", "AI card finished", map[string]any{"card": inst.ID, "chars": len([]rune(content))})
	return nil
}

func (s *Service) streamLocked(ctx context.Context, inst *Instance, content string, finalize bool) error {
	if inst.finalized {
		return fmt.Errorf("card %s already finalized", inst.ID)
	}
	if !inst.inputingStarted {
		if err := s.updateStatus(ctx, inst.ID, StatusInputing, ""); err != nil {
			return err
		}
		inst.inputingStarted = true
		logger.DebugCF("card", "AI card inputing", map[string]any{"card": inst.ID})
	}

	_, err := s.api.Call(ctx, http.MethodPut, streamingPath, streamingRequest{
		OutTrackID: inst.ID,
		GUID:       s.newID(),
		Key:        contentKey,
		Content:    content,
		IsFull:     true,
		IsFinalize: finalize,
	}, nil)
	if err != nil {
		return fmt.Errorf("card %s streaming update: %w", inst.ID, err)
	}
	return nil
}

func (s *Service) updateStatus(ctx context.Context, id string, status Status, content string) error {
	_, err := s.api.Call(ctx, http.MethodPut, instancesPath, updateRequest{
		OutTrackID: id,
		CardData: cardData{CardParamMap: map[string]string{
			"flowStatus":        string(status),
			contentKey:          content,
			"staticMsgContent":  "",
			"sys_full_json_obj": fullJSONOrder,
		}},
	}, nil)
	if err != nil {
		return fmt.Errorf("card %s status %s: %w", id, status, err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

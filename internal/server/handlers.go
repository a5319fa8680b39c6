package server

import (
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/comigor/chatstream/internal/chat"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/settings"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.ListConversations(r.Context(), principalFrom(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

type createConversationBody struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body createConversationBody
	if r.ContentLength != 0 {
		if err := parseJSON(w, r, &body); err != nil {
			respondError(w, r, err)
			return
		}
	}
	conv, err := s.chat.CreateConversation(r.Context(), principalFrom(r).UserID, body.Title, body.Model)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.Conversation(r.Context(), principalFrom(r).UserID, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type updateConversationBody struct {
	Title *string `json:"title"`
	Model *string `json:"model"`
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	var body updateConversationBody
	if err := parseJSON(w, r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	conv, err := s.chat.UpdateConversation(r.Context(), principalFrom(r).UserID, r.PathValue("id"),
		chat.ConversationPatch{Title: body.Title, Model: body.Model})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteConversation(r.Context(), principalFrom(r).UserID, r.PathValue("id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.Messages(r.Context(), principalFrom(r).UserID, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

type attachmentBody struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
	URL      string `json:"url"`
}

func (a attachmentBody) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&a.Size, validation.Min(int64(0))),
	)
}

type submitBody struct {
	Content     string           `json:"content"`
	Model       string           `json:"model"`
	Attachments []attachmentBody `json:"attachments"`
}

func (b submitBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Attachments, validation.Length(0, 20)),
	)
}

type chunkEvent struct {
	Delta string `json:"delta"`
}

type noticeEvent struct {
	Message string `json:"message"`
}

type errorEvent struct {
	Status  int    `json:"status"`
	Detail  string `json:"detail"`
	Content string `json:"content"`
}

// submitMessage streams the reply to a new user message as server-sent events.
// Errors raised before the first event are plain problem responses.
func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if !s.limiter.allow(p.UserID) {
		respondProblem(w, http.StatusTooManyRequests, "too many submissions, slow down")
		return
	}

	var body submitBody
	if err := parseJSON(w, r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if err := body.Validate(); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		respondError(w, r, err)
		return
	}
	send := func(event string, data any) {
		if err := stream.send(event, data); err != nil {
			logger.L.Debug("sse write failed", "event", event, "error", err)
		}
	}

	req := chat.SubmitRequest{
		ConversationID: r.PathValue("id"),
		UserID:         p.UserID,
		Content:        body.Content,
		Model:          body.Model,
	}
	for _, a := range body.Attachments {
		req.Attachments = append(req.Attachments, domain.Attachment{
			Name:     a.Name,
			MimeType: a.MimeType,
			Size:     a.Size,
			Content:  a.Content,
			URL:      a.URL,
		})
	}

	_, err = s.chat.Submit(r.Context(), req, chat.Hooks{
		OnChunk:  func(delta string) { send(eventChunk, chunkEvent{Delta: delta}) },
		OnCommit: func(reply domain.Message) { send(eventDone, reply) },
		OnNotice: func(notice string) { send(eventNotice, noticeEvent{Message: notice}) },
		OnFailure: func(err error) {
			send(eventError, errorEvent{Status: statusFor(err), Detail: err.Error(), Content: chat.ApologyMessage})
		},
	})
	if err != nil && !stream.started {
		respondError(w, r, err)
	}
}

type streamStateResponse struct {
	State   chat.State `json:"state"`
	Content string     `json:"content"`
}

func (s *Server) streamState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.chat.Conversation(r.Context(), principalFrom(r).UserID, id); err != nil {
		respondError(w, r, err)
		return
	}
	state, content := s.chat.Display(id)
	respondJSON(w, http.StatusOK, streamStateResponse{State: state, Content: content})
}

type modelsResponse struct {
	DefaultModel string             `json:"default_model"`
	Models       []domain.ModelInfo `json:"models"`
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Current(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	models := cur.Models
	if models == nil {
		models = []domain.ModelInfo{}
	}
	respondJSON(w, http.StatusOK, modelsResponse{DefaultModel: cur.DefaultModel, Models: models})
}

type adminSettingsResponse struct {
	APIKey       string `json:"api_key"`
	DefaultModel string `json:"default_model"`
	ModelCount   int    `json:"model_count"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Current(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, adminSettingsResponse{
		APIKey:       settings.MaskKey(cur.APIKey),
		DefaultModel: cur.DefaultModel,
		ModelCount:   len(cur.Models),
	})
}

type apiKeyBody struct {
	APIKey string `json:"api_key"`
}

func (s *Server) updateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body apiKeyBody
	if err := parseJSON(w, r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	models, err := s.settings.UpdateAPIKey(r.Context(), body.APIKey)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"api_key": settings.MaskKey(body.APIKey),
		"models":  models,
	})
}

type defaultModelBody struct {
	Model string `json:"model"`
}

func (s *Server) setDefaultModel(w http.ResponseWriter, r *http.Request) {
	var body defaultModelBody
	if err := parseJSON(w, r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.settings.SetDefaultModel(r.Context(), body.Model); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"default_model": body.Model})
}

func (s *Server) refreshModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.settings.RefreshModels(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models)
}

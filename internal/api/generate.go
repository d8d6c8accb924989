package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"chimera/internal/payment"
	"chimera/internal/task"
)

// GenerateRequest 是同步生成的请求体。
type GenerateRequest struct {
	Prompt     string `json:"prompt"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// ContentTypeNDJSON 是进度事件流的媒体类型。
const ContentTypeNDJSON = "application/x-ndjson"

// handleGenerate 以 NDJSON 逐行推送审计循环事件。客户端断开时 ctx 取消，循环随之结束。
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		writeError(w, r, unavailable("generator"))
		return
	}
	var req GenerateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		badRequest(w, r, "prompt 不能为空")
		return
	}
	retries := req.MaxRetries
	if retries <= 0 || retries > s.deps.MaxAuditRetries {
		retries = s.deps.MaxAuditRetries
	}

	log := requestLogger(r)
	if payer, ok := payment.PayerFromContext(r.Context()); ok {
		log = log.With(slog.String("payer", payer.Hex()))
	}
	log.Info("generation started", slog.Int("max_retries", retries))

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for event := range s.deps.Generator.GenerateWithAudit(r.Context(), prompt, retries) {
		if err := enc.Encode(event); err != nil {
			log.Info("generation stream closed by client", slog.Any("error", err))
			return
		}
		_ = rc.Flush()
		if event.Final() {
			log.Info("generation finished", slog.String("event", string(event.Type)), slog.Int("attempt", event.Attempt))
		}
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, r, unavailable("jobs"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if payer, ok := payment.PayerFromContext(r.Context()); ok {
		req.Requester = payer.Hex()
	}
	job, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, r, unavailable("jobs"))
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, r, unavailable("jobs"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, r, unavailable("jobs"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	for _, name := range []string{"limit", "offset"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, invalidQuery(name)
		}
		if name == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	// status 可重复出现，也可用逗号分隔。
	var statuses []task.Status
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			st := task.Status(part)
			if !task.IsValidStatus(st) {
				return nil, invalidQuery("status")
			}
			statuses = append(statuses, st)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if requester := q.Get("requester"); requester != "" {
		if !common.IsHexAddress(requester) {
			return nil, invalidQuery("requester")
		}
		opts = append(opts, task.WithRequester(requester))
	}
	var window [2]time.Time
	for i, name := range []string{"since", "until"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, invalidQuery(name)
		}
		window[i] = ts
	}
	if !window[0].IsZero() || !window[1].IsZero() {
		opts = append(opts, task.WithUpdatedBetween(window[0], window[1]))
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		opts = append(opts, task.OldestFirst())
	default:
		return nil, invalidQuery("order")
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	xerrors "chimera/internal/errors"
	"chimera/internal/facilitator"
	"chimera/internal/intent"
	"chimera/internal/policy"
)

const maxBodyBytes = 1 << 20

// QuotaResponse 是额度查询的响应。
type QuotaResponse struct {
	Address        string                `json:"address"`
	RemainingSpend policy.RemainingSpend `json:"remainingSpend"`
	RemainingTx    policy.RemainingTx    `json:"remainingTx"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(name string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, name+" 未启用")
}

func (s *Server) handleExecuteIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	var req facilitator.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Signature == "" {
		badRequest(w, r, "signature 不能为空")
		return
	}
	result, err := s.deps.Facilitator.ExecuteUserIntent(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	var in intent.Intent
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	estimate, err := s.deps.Facilitator.EstimateGas(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	balance, err := s.deps.Facilitator.GetBalance(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Facilitator.GetPolicy())
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Facilitator.Domain())
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facilitator == nil {
		writeError(w, r, unavailable("facilitator"))
		return
	}
	address := chi.URLParam(r, "address")
	spend, err := s.deps.Facilitator.GetRemainingSpend(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.deps.Facilitator.GetRemainingTx(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotaResponse{Address: address, RemainingSpend: spend, RemainingTx: tx})
}

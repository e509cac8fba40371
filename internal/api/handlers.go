package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/metrics"
)

// SampleResult is the per-sample outcome of an ingestion request.
type SampleResult struct {
	Index      int           `json:"index"`
	AssetID    string        `json:"assetId,omitempty"`
	Accepted   bool          `json:"accepted"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	SHI        float64       `json:"shi,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Status     domain.Status `json:"status,omitempty"`
}

// IngestResponse summarises a batch.
type IngestResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []SampleResult `json:"results"`
}

type baselineRequest struct {
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
}

func (h *Handler) ingestSamples(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, domain.ReasonMalformed, "read body: "+err.Error())
		return
	}

	items, err := splitSamples(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ReasonMalformed, err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, domain.ReasonMalformed, "no samples in request")
		return
	}
	if len(items) > h.opts.MaxBatch {
		writeError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("batch of %d exceeds limit %d", len(items), h.opts.MaxBatch))
		return
	}
	metrics.IngestBatchSize.Observe(float64(len(items)))

	resp := IngestResponse{Results: make([]SampleResult, 0, len(items))}
	closed := 0
	for i, raw := range items {
		res := SampleResult{Index: i}
		var sample domain.Sample
		if err := json.Unmarshal(raw, &sample); err != nil {
			metrics.SamplesTotal.WithLabelValues("rejected", domain.ReasonMalformed).Inc()
			res.Reason = domain.ReasonMalformed
			res.Error = err.Error()
			resp.Rejected++
			resp.Results = append(resp.Results, res)
			continue
		}
		res.AssetID = sample.AssetID

		st, err := h.svc.Ingest(r.Context(), sample)
		if err != nil {
			res.Reason = domain.ReasonCode(err)
			res.Error = err.Error()
			if res.Reason == domain.ReasonEngineClosed {
				closed++
			}
			resp.Rejected++
		} else {
			res.Accepted = true
			res.SHI = st.SHI
			res.Confidence = st.Confidence
			res.Status = st.Status
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}

	code := http.StatusOK
	switch {
	case resp.Accepted > 0:
	case closed == len(items):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resp)
}

// splitSamples accepts a single sample, an array, or {"samples": [...]}.
func splitSamples(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode sample array: %w", err)
		}
		return items, nil
	}

	var envelope struct {
		Samples []json.RawMessage `json:"samples"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if envelope.Samples != nil {
		return envelope.Samples, nil
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

func (h *Handler) listAssets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"assets": h.svc.ListAssets()})
}

func (h *Handler) getAsset(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetAssetState(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) recalibrate(w http.ResponseWriter, r *http.Request) {
	var req baselineRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ReasonMalformed, err.Error())
		return
	}
	asset, err := h.svc.Recalibrate(r.Context(), chi.URLParam(r, "id"), req.Frequency, req.Amplitude)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (h *Handler) assetAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetAssetState(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.svc.AlertHistory(id)})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerting.Filter{AssetID: q.Get("asset")}
	if v := q.Get("severity"); v != "" {
		sev, err := domain.ParseSeverity(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		filter.Severity = sev
	}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseAlertStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		filter.Status = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.svc.ListOpenAlerts(filter)})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.GetAlert(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownAsset):
		writeError(w, http.StatusNotFound, "unknown_asset", err.Error())
	case errors.Is(err, domain.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert_not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid_signature", err.Error())
	case errors.Is(err, domain.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, domain.ReasonEngineClosed, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, domain.ReasonInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agentrelay/internal/knowledge"
	"github.com/kalambet/agentrelay/internal/storage"
)

// TrainRequest selects the training mode. OptimizeForSpeed defaults to true.
type TrainRequest struct {
	ForceRetrain     bool  `json:"forceRetrain"`
	OptimizeForSpeed *bool `json:"optimizeForSpeed"`
}

type TrainResponse struct {
	Message       string    `json:"message"`
	LastTrainedAt time.Time `json:"lastTrainedAt"`
	Status        string    `json:"status"`
	AssistantID   string    `json:"assistantId"`
}

func handleTrain(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(deps, r)
		agentID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TrainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeIssues(w, []Issue{{Path: []string{}, Message: "invalid request body"}})
			return
		}
		opts := knowledge.Options{ForceRetrain: req.ForceRetrain, OptimizeForSpeed: true}
		if req.OptimizeForSpeed != nil {
			opts.OptimizeForSpeed = *req.OptimizeForSpeed
		}

		res, err := deps.Trainer.Train(r.Context(), agentID, opts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			log.Error("training failed", "agent", agentID, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"message": err.Error(),
				"status":  storage.TrainingError,
			})
			return
		}

		writeJSON(w, http.StatusOK, TrainResponse{
			Message:       res.Message,
			LastTrainedAt: res.LastTrainedAt,
			Status:        storage.TrainingSuccess,
			AssistantID:   res.AssistantID,
		})
	}
}

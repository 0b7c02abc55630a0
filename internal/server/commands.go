package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/internal/watch"
	"anchorwatch/pkg/logger"
)

const commandTimeout = 30 * time.Second

// handleCommand runs a command sent over the UI stream. The resulting
// snapshot reaches every UI client through the watch subscription; the
// sender also gets a "<command>_result" reply carrying the command id.
func (s *Server) handleCommand(cmd models.ClientCommand) (interface{}, error) {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "ack":
		s.watchService.AcknowledgeAlarm()

	case "stop":
		if err := s.watchService.StopWatch(ctx); err != nil {
			logger.Error("UI: stop watch", err)
		}

	case "setAnchor":
		var req watch.AnchorRequest
		if err := decodeParams(cmd.Params, &req); err != nil {
			return nil, err
		}
		if req.RodeType == "" {
			req.RodeType = models.RodeChain
		}
		if err := s.watchService.SetAnchor(ctx, req); err != nil {
			return nil, err
		}

	case "snapshot":

	case "drift":
		if s.simulator == nil {
			return nil, errors.New("drift needs the simulated gps source")
		}
		var params struct {
			SpeedMps   float64 `json:"speedMps"`
			HeadingDeg float64 `json:"headingDeg"`
		}
		if err := decodeParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		s.simulator.SetDrift(params.SpeedMps, params.HeadingDeg)
		logger.Infof("UI: simulated drift set to %.2f m/s heading %.0f°", params.SpeedMps, params.HeadingDeg)

	default:
		return nil, fmt.Errorf("command not supported: %s", cmd.Command)
	}

	return models.WebSocketMessage{
		Type:      cmd.Command + "_result",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"id":       cmd.ID,
			"snapshot": s.watchService.Snapshot(),
		},
	}, nil
}

// decodeParams converts the loosely typed command params into v
func decodeParams(params interface{}, v interface{}) error {
	if params == nil {
		return errors.New("missing params")
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

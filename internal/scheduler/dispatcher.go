package scheduler

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher serves ServerMethods calls arriving from the script
// engine over transport, replying on the same pipe. One Dispatcher
// runs per worker thread's RoomThread, on its own reactor.
type Dispatcher struct {
	transport *Transport
	impl      ServerMethods
	logger    *zap.Logger
}

// NewDispatcher builds a Dispatcher serving impl over transport.
func NewDispatcher(transport *Transport, impl ServerMethods, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, impl: impl, logger: logger}
}

// Serve blocks, handling one inbound request per iteration, until the
// transport returns an error (pipe closed).
func (d *Dispatcher) Serve() error {
	for {
		var req request
		if err := d.transport.readFrame(&req); err != nil {
			return err
		}
		resp := d.dispatch(req)
		if err := d.transport.writeFrame(resp); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) dispatch(req request) response {
	result, err := d.invoke(req.Method, req.Params)
	if err != nil {
		d.logger.Warn("scheduler rpc failed", zap.String("method", req.Method), zap.Error(err))
		return response{ID: req.ID, OK: false, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return response{ID: req.ID, OK: false, Error: fmt.Sprintf("marshaling result: %v", err)}
	}
	return response{ID: req.ID, OK: true, Result: raw}
}

// invoke dispatches by method name. Params are decoded loosely since
// they arrive as json.Unmarshal'd []any; a hand-written switch keeps
// this in sync with the ServerMethods interface rather than reaching
// for reflection.
func (d *Dispatcher) invoke(method string, params []any) (any, error) {
	switch method {
	case "qDebug":
		d.impl.QDebug(str(params, 0))
		return nil, nil
	case "qInfo":
		d.impl.QInfo(str(params, 0))
		return nil, nil
	case "qWarning":
		d.impl.QWarning(str(params, 0))
		return nil, nil
	case "qCritical":
		d.impl.QCritical(str(params, 0))
		return nil, nil
	case "print":
		d.impl.Print(str(params, 0))
		return nil, nil
	case "ServerPlayer_doRequest":
		return d.impl.ServerPlayerDoRequest(i64(params, 0), str(params, 1), []byte(str(params, 2)), i64(params, 3), i64(params, 4))
	case "_waitForReply":
		data, sentinel, err := d.impl.WaitForReply(i64(params, 0), i64(params, 1))
		if err != nil {
			return nil, err
		}
		return []any{string(data), sentinel}, nil
	case "_doNotify":
		return nil, d.impl.DoNotify(i64(params, 0), str(params, 1), []byte(str(params, 2)))
	case "_thinking":
		return d.impl.Thinking(i64(params, 0))
	case "_setThinking":
		return nil, d.impl.SetThinking(i64(params, 0), bl(params, 1))
	case "_setDied":
		return nil, d.impl.SetDied(i64(params, 0), bl(params, 1))
	case "_emitKick":
		return nil, d.impl.EmitKick(i64(params, 0))
	case "_saveState":
		return nil, d.impl.SaveState(i64(params, 0), []byte(str(params, 1)))
	case "_getSaveState":
		data, err := d.impl.GetSaveState(i64(params, 0))
		return string(data), err
	case "_saveGlobalState":
		return nil, d.impl.SaveGlobalState(i64(params, 0), str(params, 1), []byte(str(params, 2)))
	case "_getGlobalSaveState":
		data, err := d.impl.GetGlobalSaveState(i64(params, 0), str(params, 1))
		return string(data), err
	case "_delay":
		return nil, d.impl.Delay(i64(params, 0), i64(params, 1))
	case "_updatePlayerWinRate":
		return nil, d.impl.UpdatePlayerWinRate(i64(params, 0), i64(params, 1), str(params, 2), str(params, 3), int(i64(params, 4)))
	case "_updateGeneralWinRate":
		return nil, d.impl.UpdateGeneralWinRate(i64(params, 0), str(params, 1), str(params, 2), str(params, 3), int(i64(params, 4)))
	case "_gameOver":
		return nil, d.impl.GameOver(i64(params, 0))
	case "_setRequestTimer":
		return nil, d.impl.SetRequestTimer(i64(params, 0), i64(params, 1))
	case "_destroyRequestTimer":
		return nil, d.impl.DestroyRequestTimer(i64(params, 0))
	case "_decreaseRefCount":
		return nil, d.impl.DecreaseRefCount(i64(params, 0))
	case "_getSessionId":
		return d.impl.GetSessionID(i64(params, 0))
	case "_getSessionData":
		data, err := d.impl.GetSessionData(i64(params, 0))
		return string(data), err
	case "_setSessionData":
		return nil, d.impl.SetSessionData(i64(params, 0), []byte(str(params, 1)))
	case "_addNpc":
		data, err := d.impl.AddNpc(i64(params, 0))
		return string(data), err
	case "_removeNpc":
		return nil, d.impl.RemoveNpc(i64(params, 0), i64(params, 1))
	case "RoomThread_getRoom":
		data, err := d.impl.RoomThreadGetRoom(i64(params, 0))
		return string(data), err
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func str(params []any, idx int) string {
	if idx >= len(params) {
		return ""
	}
	s, _ := params[idx].(string)
	return s
}

func i64(params []any, idx int) int64 {
	if idx >= len(params) {
		return 0
	}
	switch v := params[idx].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func bl(params []any, idx int) bool {
	if idx >= len(params) {
		return false
	}
	b, _ := params[idx].(bool)
	return b
}

package scheduler

// ServerMethods is the RPC surface the server exposes to the script
// engine (spec §4.9): logging, per-player operations routed through
// the player's router, and per-room bookkeeping. The concrete
// implementation is serverfacade's rpcBridge; a Dispatcher serves
// inbound requests against it.
type ServerMethods interface {
	QDebug(msg string)
	QInfo(msg string)
	QWarning(msg string)
	QCritical(msg string)
	Print(msg string)

	ServerPlayerDoRequest(connID int64, command string, payload []byte, timeoutSeconds int64, timestampMS int64) (int64, error)
	WaitForReply(connID int64, timeoutSeconds int64) ([]byte, string, error)
	DoNotify(connID int64, command string, payload []byte) error
	Thinking(connID int64) (bool, error)
	SetThinking(connID int64, thinking bool) error
	SetDied(connID int64, died bool) error
	EmitKick(connID int64) error
	SaveState(connID int64, data []byte) error
	GetSaveState(connID int64) ([]byte, error)
	SaveGlobalState(connID int64, key string, data []byte) error
	GetGlobalSaveState(connID int64, key string) ([]byte, error)

	Delay(roomID int64, ms int64) error
	UpdatePlayerWinRate(roomID, playerID int64, mode, role string, result int) error
	UpdateGeneralWinRate(roomID int64, general, mode, role string, result int) error
	GameOver(roomID int64) error
	SetRequestTimer(roomID int64, ms int64) error
	DestroyRequestTimer(roomID int64) error
	DecreaseRefCount(roomID int64) error
	GetSessionID(roomID int64) (int64, error)
	GetSessionData(roomID int64) ([]byte, error)
	SetSessionData(roomID int64, data []byte) error
	AddNpc(roomID int64) ([]byte, error)
	RemoveNpc(roomID, playerID int64) error

	RoomThreadGetRoom(roomID int64) ([]byte, error)
}

// SchedulerMethods is the RPC surface the script engine exposes back
// to the server.
type SchedulerMethods interface {
	HandleRequest(req []byte) error
	ResumeRoom(roomID int64, reason string) (bool, error)
	SetPlayerState(roomID, playerID int64, state string) error
	AddObserver(roomID int64, playerObj []byte) error
	RemoveObserver(roomID, playerID int64) error
}

// RemoteScheduler implements SchedulerMethods by calling into the
// script engine process over a Client.
type RemoteScheduler struct {
	client *Client
}

// NewRemoteScheduler wraps client as a SchedulerMethods caller.
func NewRemoteScheduler(client *Client) *RemoteScheduler {
	return &RemoteScheduler{client: client}
}

func (s *RemoteScheduler) HandleRequest(req []byte) error {
	return s.client.Call("HandleRequest", []any{string(req)}, nil)
}

func (s *RemoteScheduler) ResumeRoom(roomID int64, reason string) (bool, error) {
	var ok bool
	if err := s.client.Call("ResumeRoom", []any{roomID, reason}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RemoteScheduler) SetPlayerState(roomID, playerID int64, state string) error {
	return s.client.Call("SetPlayerState", []any{roomID, playerID, state}, nil)
}

func (s *RemoteScheduler) AddObserver(roomID int64, playerObj []byte) error {
	return s.client.Call("AddObserver", []any{roomID, string(playerObj)}, nil)
}

func (s *RemoteScheduler) RemoveObserver(roomID, playerID int64) error {
	return s.client.Call("RemoveObserver", []any{roomID, playerID}, nil)
}

var _ SchedulerMethods = (*RemoteScheduler)(nil)

package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/tapir/store"
	"github.com/chazu/tapir/vm"
)

// ---------------------------------------------------------------------------
// Procedure names
// ---------------------------------------------------------------------------

const (
	SessionServiceCreateProcedure  = "/tapir.v1.SessionService/Create"
	SessionServiceDestroyProcedure = "/tapir.v1.SessionService/Destroy"
	SessionServiceListProcedure    = "/tapir.v1.SessionService/List"

	EngineServiceLoadProgramProcedure            = "/tapir.v1.EngineService/LoadProgram"
	EngineServiceResetProcedure                  = "/tapir.v1.EngineService/Reset"
	EngineServiceStepProcedure                   = "/tapir.v1.EngineService/Step"
	EngineServiceRunProcedure                    = "/tapir.v1.EngineService/Run"
	EngineServiceRunImmediatelyProcedure         = "/tapir.v1.EngineService/RunImmediately"
	EngineServiceRunTurboProcedure               = "/tapir.v1.EngineService/RunTurbo"
	EngineServiceResumeTurboProcedure            = "/tapir.v1.EngineService/ResumeTurbo"
	EngineServicePauseProcedure                  = "/tapir.v1.EngineService/Pause"
	EngineServiceResumeProcedure                 = "/tapir.v1.EngineService/Resume"
	EngineServiceStopProcedure                   = "/tapir.v1.EngineService/Stop"
	EngineServiceProvideInputProcedure           = "/tapir.v1.EngineService/ProvideInput"
	EngineServiceToggleBreakpointProcedure       = "/tapir.v1.EngineService/ToggleBreakpoint"
	EngineServiceToggleSourceBreakpointProcedure = "/tapir.v1.EngineService/ToggleSourceBreakpoint"
	EngineServiceClearBreakpointsProcedure       = "/tapir.v1.EngineService/ClearBreakpoints"
	EngineServiceSetTapeSizeProcedure            = "/tapir.v1.EngineService/SetTapeSize"
	EngineServiceSetCellWidthProcedure           = "/tapir.v1.EngineService/SetCellWidth"
	EngineServiceSetLaneCountProcedure           = "/tapir.v1.EngineService/SetLaneCount"
	EngineServiceGetStateProcedure               = "/tapir.v1.EngineService/GetState"
	EngineServiceWatchStateProcedure             = "/tapir.v1.EngineService/WatchState"
	EngineServiceSaveSnapshotProcedure           = "/tapir.v1.EngineService/SaveSnapshot"
	EngineServiceLoadSnapshotProcedure           = "/tapir.v1.EngineService/LoadSnapshot"
	EngineServiceListSnapshotsProcedure          = "/tapir.v1.EngineService/ListSnapshots"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type CreateSessionRequest struct {
	Name string `cbor:"name,omitempty" json:"name,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
}

type DestroySessionRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
}

type DestroySessionResponse struct{}

type ListSessionsRequest struct{}

// SessionInfo describes one live session.
type SessionInfo struct {
	ID        string `cbor:"id" json:"id"`
	Name      string `cbor:"name,omitempty" json:"name,omitempty"`
	Delegated bool   `cbor:"delegated" json:"delegated"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `cbor:"sessions,omitempty" json:"sessions,omitempty"`
}

// SessionRequest is the argument for procedures that only name a session.
type SessionRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
}

// AckResponse acknowledges an engine operation. Noop is set when the engine
// refused the operation as a protocol no-op (resume while not paused, input
// while not waiting, run while already running) and its state is unchanged.
type AckResponse struct {
	Noop bool `cbor:"noop,omitempty" json:"noop,omitempty"`
}

type LoadProgramRequest struct {
	SessionID string   `cbor:"session_id" json:"sessionId"`
	Lines     []string `cbor:"lines" json:"lines"`
}

type RunRequest struct {
	SessionID   string `cbor:"session_id" json:"sessionId"`
	DelayMicros int64  `cbor:"delay_micros,omitempty" json:"delayMicros,omitempty"`
}

type ProvideInputRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Rune      rune   `cbor:"rune" json:"rune"`
}

type ToggleBreakpointRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Line      int    `cbor:"line" json:"line"`
	Column    int    `cbor:"column" json:"column"`
}

type ToggleSourceBreakpointRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Line      int    `cbor:"line" json:"line"`
}

type SetTapeSizeRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Size      int    `cbor:"size" json:"size"`
}

type SetCellWidthRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Bits      int    `cbor:"bits" json:"bits"`
}

type SetLaneCountRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Lanes     int    `cbor:"lanes" json:"lanes"`
}

type StateResponse struct {
	State vm.ExecutionState `cbor:"state" json:"state"`
}

type SaveSnapshotRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Name      string `cbor:"name" json:"name"`
}

type SaveSnapshotResponse struct {
	Bytes int `cbor:"bytes" json:"bytes"`
}

type LoadSnapshotRequest struct {
	SessionID string `cbor:"session_id" json:"sessionId"`
	Name      string `cbor:"name" json:"name"`
}

type ListSnapshotsRequest struct{}

type ListSnapshotsResponse struct {
	Snapshots []store.Info `cbor:"snapshots,omitempty" json:"snapshots,omitempty"`
}

// ---------------------------------------------------------------------------
// Handler constructors
// ---------------------------------------------------------------------------

func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
}

// NewSessionServiceHandler builds the http.Handler for a SessionService.
// The returned path is the prefix to mount the handler under.
func NewSessionServiceHandler(svc *SessionService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(SessionServiceCreateProcedure, connect.NewUnaryHandler(SessionServiceCreateProcedure, svc.Create, opts...))
	mux.Handle(SessionServiceDestroyProcedure, connect.NewUnaryHandler(SessionServiceDestroyProcedure, svc.Destroy, opts...))
	mux.Handle(SessionServiceListProcedure, connect.NewUnaryHandler(SessionServiceListProcedure, svc.List, opts...))
	return "/tapir.v1.SessionService/", mux
}

// NewEngineServiceHandler builds the http.Handler for an EngineService.
// The returned path is the prefix to mount the handler under.
func NewEngineServiceHandler(svc *EngineService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(EngineServiceLoadProgramProcedure, connect.NewUnaryHandler(EngineServiceLoadProgramProcedure, svc.LoadProgram, opts...))
	mux.Handle(EngineServiceResetProcedure, connect.NewUnaryHandler(EngineServiceResetProcedure, svc.Reset, opts...))
	mux.Handle(EngineServiceStepProcedure, connect.NewUnaryHandler(EngineServiceStepProcedure, svc.Step, opts...))
	mux.Handle(EngineServiceRunProcedure, connect.NewUnaryHandler(EngineServiceRunProcedure, svc.Run, opts...))
	mux.Handle(EngineServiceRunImmediatelyProcedure, connect.NewUnaryHandler(EngineServiceRunImmediatelyProcedure, svc.RunImmediately, opts...))
	mux.Handle(EngineServiceRunTurboProcedure, connect.NewUnaryHandler(EngineServiceRunTurboProcedure, svc.RunTurbo, opts...))
	mux.Handle(EngineServiceResumeTurboProcedure, connect.NewUnaryHandler(EngineServiceResumeTurboProcedure, svc.ResumeTurbo, opts...))
	mux.Handle(EngineServicePauseProcedure, connect.NewUnaryHandler(EngineServicePauseProcedure, svc.Pause, opts...))
	mux.Handle(EngineServiceResumeProcedure, connect.NewUnaryHandler(EngineServiceResumeProcedure, svc.Resume, opts...))
	mux.Handle(EngineServiceStopProcedure, connect.NewUnaryHandler(EngineServiceStopProcedure, svc.Stop, opts...))
	mux.Handle(EngineServiceProvideInputProcedure, connect.NewUnaryHandler(EngineServiceProvideInputProcedure, svc.ProvideInput, opts...))
	mux.Handle(EngineServiceToggleBreakpointProcedure, connect.NewUnaryHandler(EngineServiceToggleBreakpointProcedure, svc.ToggleBreakpoint, opts...))
	mux.Handle(EngineServiceToggleSourceBreakpointProcedure, connect.NewUnaryHandler(EngineServiceToggleSourceBreakpointProcedure, svc.ToggleSourceBreakpoint, opts...))
	mux.Handle(EngineServiceClearBreakpointsProcedure, connect.NewUnaryHandler(EngineServiceClearBreakpointsProcedure, svc.ClearBreakpoints, opts...))
	mux.Handle(EngineServiceSetTapeSizeProcedure, connect.NewUnaryHandler(EngineServiceSetTapeSizeProcedure, svc.SetTapeSize, opts...))
	mux.Handle(EngineServiceSetCellWidthProcedure, connect.NewUnaryHandler(EngineServiceSetCellWidthProcedure, svc.SetCellWidth, opts...))
	mux.Handle(EngineServiceSetLaneCountProcedure, connect.NewUnaryHandler(EngineServiceSetLaneCountProcedure, svc.SetLaneCount, opts...))
	mux.Handle(EngineServiceGetStateProcedure, connect.NewUnaryHandler(EngineServiceGetStateProcedure, svc.GetState, opts...))
	mux.Handle(EngineServiceWatchStateProcedure, connect.NewServerStreamHandler(EngineServiceWatchStateProcedure, svc.WatchState, opts...))
	mux.Handle(EngineServiceSaveSnapshotProcedure, connect.NewUnaryHandler(EngineServiceSaveSnapshotProcedure, svc.SaveSnapshot, opts...))
	mux.Handle(EngineServiceLoadSnapshotProcedure, connect.NewUnaryHandler(EngineServiceLoadSnapshotProcedure, svc.LoadSnapshot, opts...))
	mux.Handle(EngineServiceListSnapshotsProcedure, connect.NewUnaryHandler(EngineServiceListSnapshotsProcedure, svc.ListSnapshots, opts...))
	return "/tapir.v1.EngineService/", mux
}

// ---------------------------------------------------------------------------
// Client constructors
// ---------------------------------------------------------------------------

func clientOptions(opts []connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
}

func newClient[Req, Res any](httpClient connect.HTTPClient, baseURL, procedure string, opts []connect.ClientOption) *connect.Client[Req, Res] {
	return connect.NewClient[Req, Res](httpClient, baseURL+procedure, opts...)
}

// SessionServiceClient calls a SessionService over Connect.
type SessionServiceClient struct {
	create  *connect.Client[CreateSessionRequest, CreateSessionResponse]
	destroy *connect.Client[DestroySessionRequest, DestroySessionResponse]
	list    *connect.Client[ListSessionsRequest, ListSessionsResponse]
}

// NewSessionServiceClient builds a client for the service mounted at baseURL.
func NewSessionServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SessionServiceClient {
	opts = clientOptions(opts)
	return &SessionServiceClient{
		create:  newClient[CreateSessionRequest, CreateSessionResponse](httpClient, baseURL, SessionServiceCreateProcedure, opts),
		destroy: newClient[DestroySessionRequest, DestroySessionResponse](httpClient, baseURL, SessionServiceDestroyProcedure, opts),
		list:    newClient[ListSessionsRequest, ListSessionsResponse](httpClient, baseURL, SessionServiceListProcedure, opts),
	}
}

func (c *SessionServiceClient) Create(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[CreateSessionResponse], error) {
	return c.create.CallUnary(ctx, req)
}

func (c *SessionServiceClient) Destroy(ctx context.Context, req *connect.Request[DestroySessionRequest]) (*connect.Response[DestroySessionResponse], error) {
	return c.destroy.CallUnary(ctx, req)
}

func (c *SessionServiceClient) List(ctx context.Context, req *connect.Request[ListSessionsRequest]) (*connect.Response[ListSessionsResponse], error) {
	return c.list.CallUnary(ctx, req)
}

// EngineServiceClient calls an EngineService over Connect.
type EngineServiceClient struct {
	loadProgram            *connect.Client[LoadProgramRequest, AckResponse]
	reset                  *connect.Client[SessionRequest, AckResponse]
	step                   *connect.Client[SessionRequest, AckResponse]
	run                    *connect.Client[RunRequest, AckResponse]
	runImmediately         *connect.Client[SessionRequest, AckResponse]
	runTurbo               *connect.Client[SessionRequest, AckResponse]
	resumeTurbo            *connect.Client[SessionRequest, AckResponse]
	pause                  *connect.Client[SessionRequest, AckResponse]
	resume                 *connect.Client[SessionRequest, AckResponse]
	stop                   *connect.Client[SessionRequest, AckResponse]
	provideInput           *connect.Client[ProvideInputRequest, AckResponse]
	toggleBreakpoint       *connect.Client[ToggleBreakpointRequest, AckResponse]
	toggleSourceBreakpoint *connect.Client[ToggleSourceBreakpointRequest, AckResponse]
	clearBreakpoints       *connect.Client[SessionRequest, AckResponse]
	setTapeSize            *connect.Client[SetTapeSizeRequest, AckResponse]
	setCellWidth           *connect.Client[SetCellWidthRequest, AckResponse]
	setLaneCount           *connect.Client[SetLaneCountRequest, AckResponse]
	getState               *connect.Client[SessionRequest, StateResponse]
	watchState             *connect.Client[SessionRequest, StateResponse]
	saveSnapshot           *connect.Client[SaveSnapshotRequest, SaveSnapshotResponse]
	loadSnapshot           *connect.Client[LoadSnapshotRequest, AckResponse]
	listSnapshots          *connect.Client[ListSnapshotsRequest, ListSnapshotsResponse]
}

// NewEngineServiceClient builds a client for the service mounted at baseURL.
func NewEngineServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *EngineServiceClient {
	opts = clientOptions(opts)
	return &EngineServiceClient{
		loadProgram:            newClient[LoadProgramRequest, AckResponse](httpClient, baseURL, EngineServiceLoadProgramProcedure, opts),
		reset:                  newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceResetProcedure, opts),
		step:                   newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceStepProcedure, opts),
		run:                    newClient[RunRequest, AckResponse](httpClient, baseURL, EngineServiceRunProcedure, opts),
		runImmediately:         newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceRunImmediatelyProcedure, opts),
		runTurbo:               newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceRunTurboProcedure, opts),
		resumeTurbo:            newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceResumeTurboProcedure, opts),
		pause:                  newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServicePauseProcedure, opts),
		resume:                 newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceResumeProcedure, opts),
		stop:                   newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceStopProcedure, opts),
		provideInput:           newClient[ProvideInputRequest, AckResponse](httpClient, baseURL, EngineServiceProvideInputProcedure, opts),
		toggleBreakpoint:       newClient[ToggleBreakpointRequest, AckResponse](httpClient, baseURL, EngineServiceToggleBreakpointProcedure, opts),
		toggleSourceBreakpoint: newClient[ToggleSourceBreakpointRequest, AckResponse](httpClient, baseURL, EngineServiceToggleSourceBreakpointProcedure, opts),
		clearBreakpoints:       newClient[SessionRequest, AckResponse](httpClient, baseURL, EngineServiceClearBreakpointsProcedure, opts),
		setTapeSize:            newClient[SetTapeSizeRequest, AckResponse](httpClient, baseURL, EngineServiceSetTapeSizeProcedure, opts),
		setCellWidth:           newClient[SetCellWidthRequest, AckResponse](httpClient, baseURL, EngineServiceSetCellWidthProcedure, opts),
		setLaneCount:           newClient[SetLaneCountRequest, AckResponse](httpClient, baseURL, EngineServiceSetLaneCountProcedure, opts),
		getState:               newClient[SessionRequest, StateResponse](httpClient, baseURL, EngineServiceGetStateProcedure, opts),
		watchState:             newClient[SessionRequest, StateResponse](httpClient, baseURL, EngineServiceWatchStateProcedure, opts),
		saveSnapshot:           newClient[SaveSnapshotRequest, SaveSnapshotResponse](httpClient, baseURL, EngineServiceSaveSnapshotProcedure, opts),
		loadSnapshot:           newClient[LoadSnapshotRequest, AckResponse](httpClient, baseURL, EngineServiceLoadSnapshotProcedure, opts),
		listSnapshots:          newClient[ListSnapshotsRequest, ListSnapshotsResponse](httpClient, baseURL, EngineServiceListSnapshotsProcedure, opts),
	}
}

func (c *EngineServiceClient) LoadProgram(ctx context.Context, req *connect.Request[LoadProgramRequest]) (*connect.Response[AckResponse], error) {
	return c.loadProgram.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Reset(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.reset.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Step(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.step.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Run(ctx context.Context, req *connect.Request[RunRequest]) (*connect.Response[AckResponse], error) {
	return c.run.CallUnary(ctx, req)
}

func (c *EngineServiceClient) RunImmediately(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.runImmediately.CallUnary(ctx, req)
}

func (c *EngineServiceClient) RunTurbo(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.runTurbo.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ResumeTurbo(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.resumeTurbo.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Pause(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.pause.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Resume(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.resume.CallUnary(ctx, req)
}

func (c *EngineServiceClient) Stop(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.stop.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ProvideInput(ctx context.Context, req *connect.Request[ProvideInputRequest]) (*connect.Response[AckResponse], error) {
	return c.provideInput.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ToggleBreakpoint(ctx context.Context, req *connect.Request[ToggleBreakpointRequest]) (*connect.Response[AckResponse], error) {
	return c.toggleBreakpoint.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ToggleSourceBreakpoint(ctx context.Context, req *connect.Request[ToggleSourceBreakpointRequest]) (*connect.Response[AckResponse], error) {
	return c.toggleSourceBreakpoint.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ClearBreakpoints(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[AckResponse], error) {
	return c.clearBreakpoints.CallUnary(ctx, req)
}

func (c *EngineServiceClient) SetTapeSize(ctx context.Context, req *connect.Request[SetTapeSizeRequest]) (*connect.Response[AckResponse], error) {
	return c.setTapeSize.CallUnary(ctx, req)
}

func (c *EngineServiceClient) SetCellWidth(ctx context.Context, req *connect.Request[SetCellWidthRequest]) (*connect.Response[AckResponse], error) {
	return c.setCellWidth.CallUnary(ctx, req)
}

func (c *EngineServiceClient) SetLaneCount(ctx context.Context, req *connect.Request[SetLaneCountRequest]) (*connect.Response[AckResponse], error) {
	return c.setLaneCount.CallUnary(ctx, req)
}

func (c *EngineServiceClient) GetState(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[StateResponse], error) {
	return c.getState.CallUnary(ctx, req)
}

func (c *EngineServiceClient) WatchState(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.ServerStreamForClient[StateResponse], error) {
	return c.watchState.CallServerStream(ctx, req)
}

func (c *EngineServiceClient) SaveSnapshot(ctx context.Context, req *connect.Request[SaveSnapshotRequest]) (*connect.Response[SaveSnapshotResponse], error) {
	return c.saveSnapshot.CallUnary(ctx, req)
}

func (c *EngineServiceClient) LoadSnapshot(ctx context.Context, req *connect.Request[LoadSnapshotRequest]) (*connect.Response[AckResponse], error) {
	return c.loadSnapshot.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ListSnapshots(ctx context.Context, req *connect.Request[ListSnapshotsRequest]) (*connect.Response[ListSnapshotsResponse], error) {
	return c.listSnapshots.CallUnary(ctx, req)
}

package wlink

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

const defaultTransactionTimeoutLines = 100

// performAckHandshake drives the adapter's required four-phase handshake at 2Mbps
// between words: SO low, wait SI high (or timeout), SO high, wait SI low, SO low.
func performAckHandshake(gpio GPIO, tb Timebase, timeoutLines uint32) error {
	if gpio == nil {
		return nil
	}
	gpio.SetSO(false)
	if err := waitSI(gpio, tb, true, timeoutLines); err != nil {
		return err
	}
	gpio.SetSO(true)
	if err := waitSI(gpio, tb, false, timeoutLines); err != nil {
		return err
	}
	gpio.SetSO(false)
	return nil
}

func waitSI(gpio GPIO, tb Timebase, want bool, timeoutLines uint32) error {
	start := tb.Lines()
	for gpio.SI() != want {
		if tb.Lines()-start >= timeoutLines {
			return ErrAcknowledgeFailed
		}
	}
	return nil
}

// SyncTransaction executes one foreground command/response transaction: setup,
// discovery, and connect all run on this path rather than the IRQ-driven AsyncTransaction.
type SyncTransaction struct {
	Bus             SerialBus
	GPIO            GPIO
	Time            Timebase
	CustomAck       bool
	TimeoutLines    uint32
}

func NewSyncTransaction(bus SerialBus, gpio GPIO, tb Timebase) *SyncTransaction {
	return &SyncTransaction{Bus: bus, GPIO: gpio, Time: tb, TimeoutLines: defaultTransactionTimeoutLines}
}

// Run performs op with params and returns the response parameter words.
func (s *SyncTransaction) Run(op Opcode, params []uint32) ([]uint32, error) {
	if err := s.exchange(EncodeCommand(op, uint8(len(params))), DataRequest); err != nil {
		log.Warnf("sync transaction x%x: header exchange failed: %v", op, err)
		return nil, ErrCommandFailed
	}
	for _, p := range params {
		if err := s.exchange(p, DataRequest); err != nil {
			log.Warnf("sync transaction x%x: param exchange failed: %v", op, err)
			return nil, ErrCommandFailed
		}
	}

	respHeader, err := s.transfer(DataRequest)
	if err != nil {
		return nil, ErrCommandFailed
	}
	gotOp, count, ok := DecodeResponse(respHeader)
	if !ok || gotOp != op {
		log.Warnf("sync transaction x%x: bad response header x%x", op, respHeader)
		return nil, ErrCommandFailed
	}

	responses := make([]uint32, 0, count)
	for i := uint8(0); i < count; i++ {
		w, err := s.transfer(DataRequest)
		if err != nil {
			return nil, ErrCommandFailed
		}
		responses = append(responses, w)
	}
	return responses, nil
}

// exchange transfers w and requires the echoed reply to equal want.
func (s *SyncTransaction) exchange(w, want uint32) error {
	r, err := s.transfer(w)
	if err != nil {
		return err
	}
	if r != want {
		return errors.New("unexpected echo")
	}
	return nil
}

func (s *SyncTransaction) transfer(w uint32) (uint32, error) {
	r, err := s.Bus.Transfer32(w)
	if err != nil {
		return 0, err
	}
	if s.CustomAck {
		if err := performAckHandshake(s.GPIO, s.Time, s.TimeoutLines); err != nil {
			return 0, err
		}
	}
	return r, nil
}

// AsyncState is the completion state of an AsyncCommand.
type AsyncState uint8

const (
	AsyncPending AsyncState = iota
	AsyncCompleted
)

// AsyncStep is one phase of the four-step IRQ-driven transaction.
type AsyncStep uint8

const (
	StepHeader AsyncStep = iota
	StepParams
	StepResponseRequest
	StepDataRequest
)

// AsyncResult carries the outcome of a completed AsyncCommand.
type AsyncResult struct {
	Success   bool
	Responses []uint32
}

// AsyncCommand is the single in-flight IRQ-driven command transaction. Only one
// instance is active at a time; SessionEngine.OnTimer guards re-entrancy by checking
// ActiveCommand before starting a new one.
type AsyncCommand struct {
	Op     Opcode
	Params []uint32
	Result AsyncResult
	State  AsyncState
	Step   AsyncStep

	SentParams        int
	TotalParams       int
	ReceivedResponses int
	TotalResponses    int
	Active            bool
}

// AsyncTransaction is the IRQ-driven state machine that executes one command transaction
// in pieces across serial-complete interrupts: a single dispatch on (step, incoming word)
// that never blocks, advancing the command's internal counters and re-arming the bus for
// the next word.
type AsyncTransaction struct {
	Bus          SerialBus
	GPIO         GPIO
	Time         Timebase
	CustomAck    bool
	TimeoutLines uint32

	cmd        *AsyncCommand
	onComplete func(*AsyncCommand, error)
}

func NewAsyncTransaction(bus SerialBus, gpio GPIO, tb Timebase) *AsyncTransaction {
	a := &AsyncTransaction{Bus: bus, GPIO: gpio, Time: tb, TimeoutLines: defaultTransactionTimeoutLines}
	bus.SetAsyncHandler(a.onWord)
	return a
}

// Start begins a new async command. The caller must ensure no command is already active.
func (a *AsyncTransaction) Start(op Opcode, params []uint32, onComplete func(*AsyncCommand, error)) {
	a.cmd = &AsyncCommand{
		Op:          op,
		Params:      params,
		State:       AsyncPending,
		Step:        StepHeader,
		TotalParams: len(params),
		Active:      true,
	}
	a.onComplete = onComplete
	if err := a.Bus.StartAsync(EncodeCommand(op, uint8(len(params)))); err != nil {
		a.fail(err)
	}
}

// ActiveCommand returns the command transaction currently in flight, or nil if none is.
func (a *AsyncTransaction) ActiveCommand() *AsyncCommand { return a.cmd }

func (a *AsyncTransaction) fail(err error) {
	cmd := a.cmd
	cb := a.onComplete
	a.cmd = nil
	a.onComplete = nil
	if cmd != nil {
		cmd.Active = false
		cmd.State = AsyncCompleted
		cmd.Result.Success = false
	}
	if cb != nil {
		cb(cmd, err)
	}
}

func (a *AsyncTransaction) finish() {
	cmd := a.cmd
	cb := a.onComplete
	a.cmd = nil
	a.onComplete = nil
	cmd.Active = false
	cmd.State = AsyncCompleted
	cmd.Result.Success = true
	if cb != nil {
		cb(cmd, nil)
	}
}

// onWord is invoked once per completed StartAsync transfer (from the bus's IRQ
// trampoline). It runs the synchronous acknowledge handshake, then dispatches on
// (cmd.Step, r).
func (a *AsyncTransaction) onWord(r uint32) {
	cmd := a.cmd
	if cmd == nil || !cmd.Active {
		return
	}
	if a.CustomAck {
		if err := performAckHandshake(a.GPIO, a.Time, a.TimeoutLines); err != nil {
			a.fail(ErrAcknowledgeFailed)
			return
		}
	}

	switch cmd.Step {
	case StepHeader:
		if r != DataRequest {
			log.Warnf("async x%x: header not acknowledged, got x%x", cmd.Op, r)
			a.fail(ErrCommandFailed)
			return
		}
		if cmd.TotalParams == 0 {
			cmd.Step = StepResponseRequest
			a.armNext(DataRequest)
			return
		}
		cmd.Step = StepParams
		a.armNext(cmd.Params[0])

	case StepParams:
		if r != DataRequest {
			log.Warnf("async x%x: param %d not acknowledged", cmd.Op, cmd.SentParams)
			a.fail(ErrCommandFailed)
			return
		}
		cmd.SentParams++
		if cmd.SentParams >= cmd.TotalParams {
			cmd.Step = StepResponseRequest
			a.armNext(DataRequest)
			return
		}
		a.armNext(cmd.Params[cmd.SentParams])

	case StepResponseRequest:
		op, count, ok := DecodeResponse(r)
		if !ok || op != cmd.Op {
			log.Warnf("async x%x: bad response header x%x", cmd.Op, r)
			a.fail(ErrCommandFailed)
			return
		}
		cmd.TotalResponses = int(count)
		cmd.Result.Responses = make([]uint32, 0, count)
		if count == 0 {
			a.finish()
			return
		}
		cmd.Step = StepDataRequest
		a.armNext(DataRequest)

	case StepDataRequest:
		cmd.Result.Responses = append(cmd.Result.Responses, r)
		cmd.ReceivedResponses++
		if cmd.ReceivedResponses >= cmd.TotalResponses {
			a.finish()
			return
		}
		a.armNext(DataRequest)
	}
}

func (a *AsyncTransaction) armNext(w uint32) {
	if err := a.Bus.StartAsync(w); err != nil {
		a.fail(err)
	}
}

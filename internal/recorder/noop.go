package recorder

// NoopRecorder is used when no audit database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordEscrow(_ *EscrowEvent) error         { return nil }
func (n *NoopRecorder) RecordSettlement(_ *SettlementEvent) error { return nil }
func (n *NoopRecorder) RecordPayment(_ *PaymentEvent) error       { return nil }
func (n *NoopRecorder) RecordSweep(_ *SweepEvent) error           { return nil }
func (n *NoopRecorder) Close() error                              { return nil }

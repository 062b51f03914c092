package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesRun      Counter
	Deposits       Counter
	Withdrawals    Counter
	Settlements    Counter
	Annihilations  Counter
	TxRetries      Counter
	TxFailures     Counter
	OracleFailures Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesRun:      n,
		Deposits:       n,
		Withdrawals:    n,
		Settlements:    n,
		Annihilations:  n,
		TxRetries:      n,
		TxFailures:     n,
		OracleFailures: n,
	}
}

package workflow

// ProgressSink receives progress notifications during a run. Whether
// observations overwrite a single indicator or accumulate into a log is
// the consumer's decision; the workflow only reports what it sees.
//
// OnIndexingStatus is invoked once per poll observation, in order, and
// never after the terminal status has been delivered.
type ProgressSink interface {
	OnStage(state State, message string)
	OnIndexingStatus(status string)
}

// NopSink discards all progress notifications.
type NopSink struct{}

func (NopSink) OnStage(State, string) {}

func (NopSink) OnIndexingStatus(string) {}

// Sink adapts two callbacks into a ProgressSink. Either may be nil.
func Sink(onStage func(State, string), onStatus func(string)) ProgressSink {
	return funcSink{onStage: onStage, onStatus: onStatus}
}

type funcSink struct {
	onStage  func(State, string)
	onStatus func(string)
}

func (s funcSink) OnStage(state State, message string) {
	if s.onStage != nil {
		s.onStage(state, message)
	}
}

func (s funcSink) OnIndexingStatus(status string) {
	if s.onStatus != nil {
		s.onStatus(status)
	}
}

package refine

type State int

const (
	Process State = iota
	Analyze
	Fix
	Score
	Synthesize
	End
)

func (s State) String() string {
	switch s {
	case Process:
		return "process"
	case Analyze:
		return "analyze"
	case Fix:
		return "fix"
	case Score:
		return "score"
	case Synthesize:
		return "synthesize"
	case End:
		return "end"
	}
	return "unknown"
}

// Gate stops refinement once enough passes ran or the draft scored high
// enough.
type Gate struct {
	MaxIterations int
	MinConfidence float64
}

type observation struct {
	iterations int
	confidence float64
}

func (g Gate) tripped(o observation) bool {
	return o.iterations >= g.MaxIterations || o.confidence >= g.MinConfidence
}

// next is the transition function. ran is the node that just finished.
// Once the gate trips every node routes to Synthesize, and Synthesize
// routes to End.
func (g Gate) next(ran State, o observation) State {
	if ran == Synthesize || ran == End {
		return End
	}
	if g.tripped(o) {
		return Synthesize
	}
	switch ran {
	case Process:
		return Analyze
	case Analyze:
		return Fix
	case Fix:
		return Score
	default:
		return Process
	}
}

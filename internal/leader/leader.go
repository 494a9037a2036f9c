package leader

import (
	"sync/atomic"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
)

// LeaderController decides which of several reaper processes sweeps.
// A reaper takes a token before sweeping and checks it is still valid before acting on the result.
type LeaderController interface {
	// GetToken returns the caller's current standing
	GetToken() LeaderToken
	// ValidateToken reports whether tok was issued during the current term of leadership
	ValidateToken(tok LeaderToken) bool
	// Run takes part in the election until ctx is cancelled
	Run(ctx *balsamcontext.Context) error
}

// Every term of leadership in this process gets a distinct number, so a token from an earlier term never
// validates after leadership was lost and regained.
var terms atomic.Uint64

type LeaderToken struct {
	leader bool
	term   uint64
}

// InvalidLeaderToken returns a token that never validates.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{}
}

// NewLeaderToken starts a new term of leadership.
func NewLeaderToken() LeaderToken {
	return LeaderToken{leader: true, term: terms.Add(1)}
}

// StandaloneLeaderController is always leader. Used when a single reaper runs, or when the redundant sweeps
// of several standalone reapers are acceptable.
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{token: NewLeaderToken()}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	return tok.leader && tok.term == lc.token.term
}

func (lc *StandaloneLeaderController) Run(ctx *balsamcontext.Context) error {
	<-ctx.Done()
	return nil
}

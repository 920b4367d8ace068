package timeout

import (
	"testing"

	check "gopkg.in/check.v1"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

func Test(t *testing.T) { check.TestingT(t) }

type WheelTest struct{}

var _ = check.Suite(&WheelTest{})

func (s *WheelTest) TestRescheduleSetsDeadlineBaseTicksOut(c *check.C) {
	w := New(10, 0, 1)
	slot := epaxos.Slot{Replica: 1, Instance: 0}
	w.Reschedule(slot, 5)

	c.Check(w.Expired(14), check.HasLen, 0)
	expired := w.Expired(15)
	c.Assert(expired, check.HasLen, 1)
	c.Check(expired[0], check.Equals, slot)
}

func (s *WheelTest) TestJitterStaysWithinConfiguredRange(c *check.C) {
	w := New(10, 5, 42)
	slot := epaxos.Slot{Replica: 1, Instance: 0}
	for i := 0; i < 50; i++ {
		w.RescheduleJitter(slot, 0, 5)
		c.Check(w.Expired(9), check.HasLen, 0)
		c.Check(w.Expired(15), check.HasLen, 1)
	}
}

func (s *WheelTest) TestCancelRemovesDeadline(c *check.C) {
	w := New(10, 0, 1)
	slot := epaxos.Slot{Replica: 1, Instance: 0}
	w.Reschedule(slot, 0)
	c.Check(w.Pending(), check.Equals, 1)

	w.Cancel(slot)
	c.Check(w.Pending(), check.Equals, 0)
	c.Check(w.Expired(100), check.HasLen, 0)
}

func (s *WheelTest) TestOnStageChangeCancelsAtCommitted(c *check.C) {
	w := New(10, 0, 1)
	slot := epaxos.Slot{Replica: 1, Instance: 0}

	w.OnStageChange(slot, epaxos.PreAccepted, 0)
	c.Check(w.Pending(), check.Equals, 1)

	w.OnStageChange(slot, epaxos.Accepted, 3)
	c.Check(w.Expired(12), check.HasLen, 0) // replaced, now due at 13
	c.Check(w.Expired(13), check.HasLen, 1)

	w.OnStageChange(slot, epaxos.Committed, 5)
	c.Check(w.Pending(), check.Equals, 0)
}

func (s *WheelTest) TestDelayRetryOverridesBaseTimeout(c *check.C) {
	w := New(100, 0, 1)
	slot := epaxos.Slot{Replica: 2, Instance: 3}
	w.Reschedule(slot, 0)
	c.Check(w.Expired(50), check.HasLen, 0)

	w.DelayRetry(slot, 0, 3)
	expired := w.Expired(3)
	c.Assert(expired, check.HasLen, 1)
	c.Check(expired[0], check.Equals, slot)
}

func (s *WheelTest) TestExpiredReturnsSlotsInAscendingOrder(c *check.C) {
	w := New(0, 0, 1)
	slots := []epaxos.Slot{
		{Replica: 3, Instance: 0},
		{Replica: 1, Instance: 5},
		{Replica: 1, Instance: 2},
	}
	for _, s := range slots {
		w.Reschedule(s, 0)
	}

	expired := w.Expired(0)
	c.Assert(expired, check.HasLen, 3)
	c.Check(expired[0], check.Equals, epaxos.Slot{Replica: 1, Instance: 2})
	c.Check(expired[1], check.Equals, epaxos.Slot{Replica: 1, Instance: 5})
	c.Check(expired[2], check.Equals, epaxos.Slot{Replica: 3, Instance: 0})
}

func (s *WheelTest) TestExpiredDoesNotAutoReschedule(c *check.C) {
	w := New(10, 0, 1)
	slot := epaxos.Slot{Replica: 1, Instance: 0}
	w.Reschedule(slot, 0)

	c.Check(w.Expired(10), check.HasLen, 1)
	// The entry stays until the caller reschedules or cancels it.
	c.Check(w.Expired(11), check.HasLen, 1)
}

package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/subpath-proxy/internal/circuitbreaker"
)

type transition struct {
	name     string
	from, to circuitbreaker.State
}

var _ = Describe("CircuitBreaker", func() {
	var (
		cb          *circuitbreaker.CircuitBreaker
		mutex       sync.Mutex
		transitions []transition
	)

	record := func(name string, from, to circuitbreaker.State) {
		mutex.Lock()
		defer mutex.Unlock()
		transitions = append(transitions, transition{name, from, to})
	}

	trip := func() {
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	}

	BeforeEach(func() {
		transitions = nil
		cb = circuitbreaker.NewCircuitBreaker("/admin", 3, 100*time.Millisecond, record)
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb).NotTo(BeNil())
			Expect(cb.Name()).To(Equal("/admin"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should clamp the threshold to at least one failure", func() {
			cb = circuitbreaker.NewCircuitBreaker("/api", 0, time.Second, nil)
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Context("when in CLOSED state", func() {
		It("should allow requests", func() {
			Expect(cb.Allow()).To(BeTrue())
		})

		It("should remain closed after failures below threshold", func() {
			cb.RecordFailure()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Allow()).To(BeTrue())
		})

		It("should transition to OPEN after reaching failure threshold", func() {
			trip()
			Expect(transitions).To(Equal([]transition{
				{"/admin", circuitbreaker.StateClosed, circuitbreaker.StateOpen},
			}))
		})
	})

	Context("when in OPEN state", func() {
		BeforeEach(trip)

		It("should block requests", func() {
			Expect(cb.Allow()).To(BeFalse())
		})

		It("should transition to HALF-OPEN after reset timeout", func() {
			time.Sleep(150 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should remain OPEN before reset timeout expires", func() {
			time.Sleep(50 * time.Millisecond)
			Expect(cb.Allow()).To(BeFalse())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Context("when in HALF-OPEN state", func() {
		BeforeEach(func() {
			trip()
			time.Sleep(150 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should let only one probe through", func() {
			Expect(cb.Allow()).To(BeFalse())
		})

		It("should transition to CLOSED on success", func() {
			cb.RecordSuccess()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Allow()).To(BeTrue())
		})

		It("should transition back to OPEN on failure", func() {
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Allow()).To(BeFalse())
		})

		It("should report every transition", func() {
			cb.RecordSuccess()
			Expect(transitions).To(Equal([]transition{
				{"/admin", circuitbreaker.StateClosed, circuitbreaker.StateOpen},
				{"/admin", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen},
				{"/admin", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed},
			}))
		})
	})

	Describe("RecordSuccess", func() {
		It("should reset failure count", func() {
			cb.RecordFailure()
			cb.RecordFailure()
			cb.RecordSuccess()

			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should not report a transition when already closed", func() {
			cb.RecordSuccess()
			Expect(transitions).To(BeEmpty())
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF-OPEN"))
			Expect(circuitbreaker.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})

var _ = Describe("CircuitBreaker probe release", func() {
	It("should let a new probe through after a released one", func() {
		cb := circuitbreaker.NewCircuitBreaker("/admin", 1, 10*time.Millisecond, nil)
		cb.RecordFailure()
		time.Sleep(20 * time.Millisecond)

		Expect(cb.Allow()).To(BeTrue())
		Expect(cb.Allow()).To(BeFalse())

		cb.Release()
		Expect(cb.Allow()).To(BeTrue())
		Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
	})
})

package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/subpath-proxy/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("IncrementRequests", func() {
		It("should track mounts separately", func() {
			m.IncrementRequests("/admin")
			m.IncrementRequests("/api")
			m.IncrementRequests("/admin")

			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Mounts["/admin"].Requests).To(Equal(int64(2)))
			Expect(snap.Mounts["/api"].Requests).To(Equal(int64(1)))
		})
	})

	Describe("RecordStatic and RecordDispatch", func() {
		It("should split answers between disk and upstream", func() {
			m.RecordStatic("/admin")
			m.RecordStatic("/admin")
			m.RecordDispatch("/admin")

			mm := m.Snapshot().Mounts["/admin"]
			Expect(mm.Static).To(Equal(int64(2)))
			Expect(mm.Dispatched).To(Equal(int64(1)))
		})
	})

	Describe("RecordError", func() {
		It("should count errors by kind", func() {
			m.RecordError("/api", "unreachable")
			m.RecordError("/api", "unreachable")
			m.RecordError("/api", "timeout")
			m.RecordResponse("/api", time.Millisecond, 502)

			mm := m.Snapshot().Mounts["/api"]
			Expect(mm.Errors).To(Equal(map[string]int64{"unreachable": 2, "timeout": 1}))
		})
	})

	Describe("RecordResponse", func() {
		It("should record response time and status code", func() {
			m.RecordResponse("/admin", 100*time.Millisecond, 200)
			m.RecordResponse("/admin", 200*time.Millisecond, 200)

			mm := m.Snapshot().Mounts["/admin"]
			Expect(mm.AvgResponse).To(Equal(150 * time.Millisecond))
			Expect(mm.StatusCodes[200]).To(Equal(int64(2)))
		})

		It("should calculate percentiles correctly", func() {
			for i := 1; i <= 100; i++ {
				m.RecordResponse("/admin", time.Duration(i)*time.Millisecond, 200)
			}

			mm := m.Snapshot().Mounts["/admin"]
			Expect(mm.P50Response).To(BeNumerically("~", 50*time.Millisecond, time.Millisecond))
			Expect(mm.P95Response).To(BeNumerically("~", 95*time.Millisecond, time.Millisecond))
			Expect(mm.P99Response).To(BeNumerically("~", 99*time.Millisecond, time.Millisecond))
		})

		It("should limit stored response times to 1000", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordResponse("/admin", time.Duration(i)*time.Millisecond, 200)
			}

			mm := m.Snapshot().Mounts["/admin"]
			Expect(mm.AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
			Expect(mm.StatusCodes[200]).To(Equal(int64(1500)))
		})
	})

	Describe("UpdateHealthStatus", func() {
		It("should report mounts as healthy until a probe says otherwise", func() {
			m.IncrementRequests("/admin")
			Expect(m.Snapshot().Mounts["/admin"].Healthy).To(BeTrue())

			m.UpdateHealthStatus("/admin", false)
			Expect(m.Snapshot().Mounts["/admin"].Healthy).To(BeFalse())

			m.UpdateHealthStatus("/admin", true)
			Expect(m.Snapshot().Mounts["/admin"].Healthy).To(BeTrue())
		})
	})

	Describe("Snapshot", func() {
		It("should handle empty metrics", func() {
			snap := m.Snapshot()

			Expect(snap.TotalRequests).To(Equal(int64(0)))
			Expect(snap.Mounts).To(BeEmpty())
		})

		It("should not share maps with later updates", func() {
			m.RecordResponse("/admin", time.Millisecond, 200)
			snap := m.Snapshot()

			m.RecordResponse("/admin", time.Millisecond, 200)
			Expect(snap.Mounts["/admin"].StatusCodes[200]).To(Equal(int64(1)))
		})
	})
})

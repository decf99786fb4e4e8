package dashboard

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/lowaak/treadmill-bridge/internal/session"
)

const DefaultSpeedStepKmh = 1.0

type Metrics interface {
	Snapshot() session.LiveMetrics
	SaveSession() session.SummaryRecord
}

type SpeedSetter interface {
	SendSpeed(ctx context.Context, kmh float64) error
}

// Controller handles the dashboard's key commands
type Controller struct {
	metrics  Metrics
	link     SpeedSetter
	logger   *log.Logger
	step     float64
	maxSpeed float64
	quit     func()

	mu     sync.Mutex
	target float64
}

type ControllerArgs struct {
	Metrics      Metrics
	Link         SpeedSetter
	Logger       *log.Logger
	SpeedStepKmh float64
	MaxSpeedKmh  float64
	// Quit is called once the user asks to leave
	Quit func()
}

func NewController(args ControllerArgs) *Controller {
	if args.Metrics == nil {
		panic("Controller: metrics cannot be nil")
	}
	if args.Link == nil {
		panic("Controller: link cannot be nil")
	}
	if args.Logger == nil {
		panic("Controller: logger cannot be nil")
	}
	if args.SpeedStepKmh <= 0 {
		args.SpeedStepKmh = DefaultSpeedStepKmh
	}
	if args.MaxSpeedKmh <= 0 {
		args.MaxSpeedKmh = 16
	}
	if args.Quit == nil {
		args.Quit = func() {}
	}
	return &Controller{
		metrics:  args.Metrics,
		link:     args.Link,
		logger:   args.Logger,
		step:     args.SpeedStepKmh,
		maxSpeed: args.MaxSpeedKmh,
		quit:     args.Quit,
		target:   -1,
	}
}

// TargetSpeed returns the last speed sent, or -1 before the first command
func (c *Controller) TargetSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Controller) SaveSession() session.SummaryRecord {
	rec := c.metrics.SaveSession()
	c.logger.Printf("Dashboard: Session saved (%s)", rec.ID)
	return rec
}

func (c *Controller) IncreaseSpeed() error {
	return c.adjustSpeed(c.step)
}

func (c *Controller) DecreaseSpeed() error {
	return c.adjustSpeed(-c.step)
}

// adjustSpeed moves the target from the last commanded speed, or from the
// measured speed rounded to whole km/h before any command was sent
func (c *Controller) adjustSpeed(delta float64) error {
	c.mu.Lock()
	base := c.target
	c.mu.Unlock()
	if base < 0 {
		base = math.Round(c.metrics.Snapshot().SpeedKmh)
	}

	next := math.Min(math.Max(base+delta, 0), c.maxSpeed)
	if err := c.link.SendSpeed(context.Background(), next); err != nil {
		c.logger.Printf("Dashboard: Failed to set speed %.0f km/h: %v", next, err)
		return err
	}

	c.mu.Lock()
	c.target = next
	c.mu.Unlock()
	c.logger.Printf("Dashboard: Target speed %.0f km/h", next)
	return nil
}

func (c *Controller) Quit() {
	c.logger.Println("Dashboard: Quit requested")
	c.quit()
}

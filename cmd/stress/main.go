// Stress harness: builds a large world, churns components and entities
// for a fixed number of ticks under the profiler, then dumps arena
// statistics.
package main

import (
	"flag"
	"math/rand/v2"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/kilnengine/kiln/arena"
	"github.com/kilnengine/kiln/config"
	"github.com/kilnengine/kiln/ecs"
	"github.com/kilnengine/kiln/event"
)

type Position struct {
	X, Y, Z float64
}

type Velocity struct {
	X, Y, Z float64
}

type Lifetime struct {
	Remaining float64
}

type MovementSystem struct {
	ecs.BaseSystem
}

func (s *MovementSystem) Init(w *ecs.World) {
	ecs.Require[Position](&s.BaseSystem)
	ecs.Require[Velocity](&s.BaseSystem)
}

func (s *MovementSystem) Update(dt float64) {
	for _, e := range s.Entities() {
		pos := ecs.GetComponent[Position](s.World(), e)
		vel := ecs.GetComponent[Velocity](s.World(), e)
		pos.X += vel.X * dt
		pos.Y += vel.Y * dt
		pos.Z += vel.Z * dt
	}
}

// DecaySystem destroys entities whose lifetime ran out. Destruction is
// deferred, so queueing during iteration is safe.
type DecaySystem struct {
	ecs.BaseSystem
}

func (s *DecaySystem) Init(w *ecs.World) {
	ecs.Require[Lifetime](&s.BaseSystem)
}

func (s *DecaySystem) Update(dt float64) {
	for _, e := range s.Entities() {
		life := ecs.GetComponent[Lifetime](s.World(), e)
		life.Remaining -= dt
		if life.Remaining <= 0 {
			e.Destroy()
		}
	}
}

func main() {
	entities := flag.Int("entities", 10000, "initial entity count")
	ticks := flag.Int("ticks", 1000, "ticks to simulate")
	flag.Parse()

	defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Default()

	mem := arena.New(log)
	if err := mem.Init(cfg.ArenaConfig()); err != nil {
		log.Fatal("arena init failed", zap.Error(err))
	}
	defer mem.Shutdown()

	bus := event.NewBus(log)
	world := ecs.NewWorld(ecs.NewRegistry(), mem, bus, log)

	movement := ecs.RegisterSystem(world, &MovementSystem{})
	decay := ecs.RegisterSystem(world, &DecaySystem{})
	world.SetSystemUpdateOrder([]ecs.System{movement, decay})

	var destroyed int
	event.Subscribe(bus, func(*event.Event, *ecs.EntityDestroyed) {
		destroyed++
	})

	rng := rand.New(rand.NewPCG(42, 1337))
	spawn := func() {
		e := world.CreateEntity()
		ecs.AddComponent(world, e, Position{})
		ecs.AddComponent(world, e, Velocity{
			X: rng.Float64()*2 - 1,
			Y: rng.Float64()*2 - 1,
			Z: rng.Float64()*2 - 1,
		})
		ecs.AddComponent(world, e, Lifetime{Remaining: rng.Float64() * 10})
	}

	for i := 0; i < *entities; i++ {
		spawn()
	}

	dt := cfg.Tick.Rate.Std().Seconds()
	for tick := 0; tick < *ticks; tick++ {
		world.Update(dt)

		// keep the population roughly stable, reusing freed ids
		for i := 0; i < destroyed; i++ {
			spawn()
		}
		destroyed = 0
	}

	log.Info("stress run finished",
		zap.Int("matched", len(movement.Entities())),
		zap.Int("ticks", *ticks))
	mem.LogStats()
}

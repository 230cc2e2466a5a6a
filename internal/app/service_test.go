package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	repository "github.com/okian/whr/internal/adapters/repository"
	service "github.com/okian/whr/internal/app"
	"github.com/okian/whr/internal/config"
	"github.com/okian/whr/internal/domain/rating"
	. "github.com/smartystreets/goconvey/convey"
)

func newService(mutate func(*config.Config)) *service.Service {
	cfg := config.New()
	cfg.WorkerCount = 2
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := service.New(cfg)
	So(err, ShouldBeNil)
	return svc
}

func TestService_New(t *testing.T) {
	Convey("Given service construction", t, func() {
		Convey("A nil config is rejected", func() {
			_, err := service.New(nil)
			So(errors.Is(err, service.ErrNilConfig), ShouldBeTrue)
		})

		Convey("An invalid config is rejected", func() {
			cfg := config.New()
			cfg.Ordering = "sideways"
			_, err := service.New(cfg)
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("Defaults produce a working service", func() {
			svc := newService(nil)
			So(svc, ShouldNotBeNil)
			So(svc.Stats(context.Background()).Competitors, ShouldEqual, 0)
		})
	})
}

func TestService_RecordOutcome(t *testing.T) {
	Convey("Given a service", t, func() {
		ctx := context.Background()
		svc := newService(nil)

		Convey("When the same match is submitted twice", func() {
			g, dup, err := svc.RecordOutcome(ctx, service.Outcome{MatchID: "m1", A: "ann", B: "bob", Result: rating.AWins, Time: 1})
			So(err, ShouldBeNil)
			So(dup, ShouldBeFalse)
			So(g, ShouldNotBeNil)

			g, dup, err = svc.RecordOutcome(ctx, service.Outcome{MatchID: "m1", A: "ann", B: "bob", Result: rating.AWins, Time: 1})

			Convey("Then the second submission is skipped", func() {
				So(err, ShouldBeNil)
				So(dup, ShouldBeTrue)
				So(g, ShouldBeNil)
				stats := svc.Stats(ctx)
				So(stats.Games, ShouldEqual, 1)
				So(stats.Duplicates, ShouldEqual, 1)
			})
		})

		Convey("When an invalid outcome is submitted", func() {
			_, _, err := svc.RecordOutcome(ctx, service.Outcome{MatchID: "m2", A: "ann", B: "ann", Result: rating.AWins, Time: 1})
			So(errors.Is(err, rating.ErrSelfPlay), ShouldBeTrue)

			Convey("Then its match id stays available", func() {
				_, dup, err := svc.RecordOutcome(ctx, service.Outcome{MatchID: "m2", A: "ann", B: "bob", Result: rating.Draw, Time: 1})
				So(err, ShouldBeNil)
				So(dup, ShouldBeFalse)
			})
		})

		Convey("When outcomes carry no match id", func() {
			for i := 0; i < 3; i++ {
				_, dup, err := svc.RecordOutcome(ctx, service.Outcome{A: "ann", B: "bob", Result: rating.AWins, Time: 1})
				So(err, ShouldBeNil)
				So(dup, ShouldBeFalse)
			}

			Convey("Then every one is recorded", func() {
				So(svc.Stats(ctx).Games, ShouldEqual, 3)
			})
		})
	})
}

func TestService_Fit(t *testing.T) {
	for _, ordering := range []string{config.OrderingSequential, config.OrderingParallel} {
		Convey(fmt.Sprintf("Given a league fitted with %s ordering", ordering), t, func() {
			ctx := context.Background()
			svc := newService(func(c *config.Config) {
				c.Ordering = ordering
				c.ConvergenceThreshold = 1e-9
				c.LeaderboardLimit = 2
			})

			games := []service.Outcome{
				{MatchID: "1", A: "ann", B: "bob", Result: rating.AWins, Time: 1},
				{MatchID: "2", A: "ann", B: "cid", Result: rating.AWins, Time: 2},
				{MatchID: "3", A: "bob", B: "cid", Result: rating.AWins, Time: 3},
			}
			for _, g := range games {
				_, _, err := svc.RecordOutcome(ctx, g)
				So(err, ShouldBeNil)
			}

			Convey("Before the first fit the leaderboard is empty", func() {
				_, err := svc.Rank(ctx, "ann")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("When the model is fitted", func() {
				report, err := svc.Fit(ctx)
				So(err, ShouldBeNil)
				So(report.Converged, ShouldBeTrue)

				Convey("Then the leaderboard follows the results", func() {
					top, err := svc.TopN(ctx, 10)
					So(err, ShouldBeNil)
					So(top, ShouldHaveLength, 2)
					So(top[0].CompetitorID, ShouldEqual, "ann")
					So(top[1].CompetitorID, ShouldEqual, "bob")

					cid, err := svc.Rank(ctx, "cid")
					So(err, ShouldBeNil)
					So(cid.Rank, ShouldEqual, 3)
				})

				Convey("Then histories and stats are available", func() {
					pts, err := svc.Ratings(ctx, "bob")
					So(err, ShouldBeNil)
					So(pts, ShouldHaveLength, 2)
					So(pts[0].Uncertainty, ShouldBeGreaterThan, 0)

					_, err = svc.Ratings(ctx, "nobody")
					So(errors.Is(err, rating.ErrUnknownCompetitor), ShouldBeTrue)

					stats := svc.Stats(ctx)
					So(stats.Competitors, ShouldEqual, 3)
					So(stats.Games, ShouldEqual, 3)
					So(stats.TimeSteps, ShouldEqual, 6)
					So(stats.Fits, ShouldEqual, 1)
					So(stats.Converged, ShouldBeTrue)
					So(stats.Iterations, ShouldEqual, report.Iterations)
					So(stats.PredictionAccuracy, ShouldEqual, 1)
				})
			})
		})
	}
}

func TestService_Iterate(t *testing.T) {
	Convey("Given a service with one game", t, func() {
		ctx := context.Background()
		svc := newService(nil)
		_, _, err := svc.RecordOutcome(ctx, service.Outcome{A: "a", B: "b", Result: rating.AWins, Time: 1})
		So(err, ShouldBeNil)

		Convey("Iterate(0) publishes unfitted ratings", func() {
			report, err := svc.Iterate(ctx, 0)
			So(err, ShouldBeNil)
			So(report.Iterations, ShouldEqual, 0)
			e, err := svc.Rank(ctx, "a")
			So(err, ShouldBeNil)
			So(e.Elo, ShouldEqual, 0)
			So(e.Rank, ShouldEqual, 1)
		})

		Convey("A negative count is rejected", func() {
			_, err := svc.Iterate(ctx, -2)
			So(errors.Is(err, rating.ErrInvalidIterations), ShouldBeTrue)
		})
	})
}

func TestService_Concurrency(t *testing.T) {
	Convey("Given concurrent writers, fitters and readers", t, func() {
		ctx := context.Background()
		svc := newService(func(c *config.Config) { c.Ordering = config.OrderingParallel })

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					_, _, _ = svc.RecordOutcome(ctx, service.Outcome{
						MatchID: fmt.Sprintf("%d-%d", w, i),
						A:       fmt.Sprintf("p%d", w),
						B:       fmt.Sprintf("p%d", (w+1)%4),
						Result:  rating.AWins,
						Time:    i,
					})
					if i%10 == 0 {
						_, _ = svc.Iterate(ctx, 1)
						_, _ = svc.TopN(ctx, 3)
						_ = svc.Stats(ctx)
					}
				}
			}(w)
		}
		wg.Wait()

		So(svc.Stats(ctx).Games, ShouldEqual, 100)
		_, err := svc.Fit(ctx)
		So(err, ShouldBeNil)
	})
}

func TestService_RejectedMatchIsNeverDuplicate(t *testing.T) {
	Convey("Given one invalid match submitted concurrently", t, func() {
		ctx := context.Background()
		svc := newService(nil)

		const callers = 8
		dups := make([]bool, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, dups[i], errs[i] = svc.RecordOutcome(ctx, service.Outcome{MatchID: "self", A: "ann", B: "ann", Result: rating.AWins, Time: 1})
			}(i)
		}
		wg.Wait()

		Convey("Every caller sees the rejection and none is told it was a duplicate", func() {
			for i := 0; i < callers; i++ {
				So(dups[i], ShouldBeFalse)
				So(errors.Is(errs[i], rating.ErrSelfPlay), ShouldBeTrue)
			}
			So(svc.Stats(ctx).Games, ShouldEqual, 0)
		})

		Convey("The match id can still be recorded once corrected", func() {
			g, dup, err := svc.RecordOutcome(ctx, service.Outcome{MatchID: "self", A: "ann", B: "bob", Result: rating.AWins, Time: 1})
			So(err, ShouldBeNil)
			So(dup, ShouldBeFalse)
			So(g, ShouldNotBeNil)
		})
	})
}

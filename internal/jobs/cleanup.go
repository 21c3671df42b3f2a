package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one unit of periodic cleanup. It returns how many items it
// removed or changed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type CleanupJob struct {
	name     string
	tasks    []Task
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCleanupJob(name string, interval time.Duration, tasks ...Task) *CleanupJob {
	timeout := 30 * time.Second
	if interval < timeout {
		timeout = interval
	}
	return &CleanupJob{
		name:     name,
		tasks:    tasks,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Str("job", j.name).Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop waits for an in-flight pass to finish. It is safe to call twice.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Str("job", j.name).Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	for _, task := range j.tasks {
		j.runCleanup(ctx, task)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, task Task) {
	count, err := task.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", j.name).Msgf("failed to clean up %s", task.Name)
	} else if count > 0 {
		log.Info().Str("job", j.name).Int64("count", count).Msgf("cleaned up %s", task.Name)
	}
}

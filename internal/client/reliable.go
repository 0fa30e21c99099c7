package client

import "time"

// Redeliver invokes send now and again after each delay in schedule.
// At-least-once on a lossy link: receivers must treat repeats as
// no-ops. The returned cancel stops any resend still pending.
func Redeliver(send func(), schedule []time.Duration) (cancel func()) {
	send()
	timers := make([]*time.Timer, 0, len(schedule))
	for _, d := range schedule {
		timers = append(timers, time.AfterFunc(d, send))
	}
	return func() {
		for _, t := range timers {
			t.Stop()
		}
	}
}

package cache

import "fmt"

const namespace = "consentlens"

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("%s:ratelimit:%s", namespace, keyPrefix)
}

// QueueKey names the pending list of one priority queue.
func QueueKey(priority string) string {
	return fmt.Sprintf("%s:queue:%s", namespace, priority)
}

// QueueStatsKey names the hash of per-queue counters.
func QueueStatsKey(priority string) string {
	return fmt.Sprintf("%s:queue:%s:stats", namespace, priority)
}

// JobKey names the execution-engine hash of one job.
func JobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", namespace, jobID)
}

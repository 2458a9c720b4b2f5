package tracker

import "strconv"

const (
	statusPrefix    = "job-status:"
	startTimePrefix = "job-start-time:"
	totalPrefix     = "workload-count:"
	completedPrefix = "workload-completed:"
	failedPrefix    = "workload-failed:"
	rejectedPrefix  = "workload-rejected:"
	terminalPrefix  = "workload-terminal:"
	resultsPrefix   = "job-results:"
	itemPrefix      = "job-item:"
)

func StatusKey(jobID string) string    { return statusPrefix + jobID }
func StartTimeKey(jobID string) string { return startTimePrefix + jobID }
func TotalKey(jobID string) string     { return totalPrefix + jobID }
func completedKey(jobID string) string { return completedPrefix + jobID }
func failedKey(jobID string) string    { return failedPrefix + jobID }
func rejectedKey(jobID string) string  { return rejectedPrefix + jobID }
func terminalKey(jobID string) string  { return terminalPrefix + jobID }
func resultsKey(jobID string) string   { return resultsPrefix + jobID }

func itemKey(jobID string, subItem int) string {
	return itemPrefix + jobID + ":" + strconv.Itoa(subItem)
}

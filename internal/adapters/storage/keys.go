package storage

import "fmt"

const (
	keyPrefixRun       = "run"
	keyPrefixHistory   = "history"
	keyPrefixSequence  = "histseq"
	keyPrefixProcessed = "processed"
)

func runKey(runID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", keyPrefixRun, runID))
}

// historyKey zero-pads the sequence so lexical key order matches append
// order under prefix iteration.
func historyKey(runID string, sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%019d", keyPrefixHistory, runID, sequence))
}

func historyPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", keyPrefixHistory, runID))
}

func sequenceKey(runID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", keyPrefixSequence, runID))
}

func processedKey(runID, nodeID string, attempt int) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d", keyPrefixProcessed, runID, nodeID, attempt))
}

package store

import "fmt"

// Key layout. Every record owned by a task lives under tasks/<id>/ so a
// single prefix scan covers the cascade delete.
//
//	tasks/<task_id>                         task record
//	tasks/<task_id>/attempts/<attempt_id>   attempt record
//	tasks/<task_id>/checkpoint.latest       latest checkpoint
//	tasks/<task_id>/errors/<n>              error records
//	tasks/<task_id>/chunks/<chunk_id>       indexed text chunk
//	samples/<sample_id>                     audit sample
//	validations/<validation_id>             validation report
const (
	taskPrefix       = "tasks/"
	samplePrefix     = "samples/"
	validationPrefix = "validations/"
)

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func taskSubtree(id string) string {
	return taskPrefix + id
}

func attemptKey(taskID, attemptID string) []byte {
	return []byte(fmt.Sprintf("%s%s/attempts/%s", taskPrefix, taskID, attemptID))
}

func checkpointKey(taskID string) []byte {
	return []byte(fmt.Sprintf("%s%s/checkpoint.latest", taskPrefix, taskID))
}

func chunkKey(taskID, chunkID string) []byte {
	return []byte(chunkPrefix(taskID) + chunkID)
}

func chunkPrefix(taskID string) string {
	return fmt.Sprintf("%s%s/chunks/", taskPrefix, taskID)
}

func errorKey(taskID string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s/errors/%06d", taskPrefix, taskID, n))
}

func sampleKey(id string) []byte {
	return []byte(samplePrefix + id)
}

func validationKey(id string) []byte {
	return []byte(validationPrefix + id)
}

// isTaskRecordKey reports whether a key under tasks/ is a main task
// record (no sub-path after the id).
func isTaskRecordKey(key string) bool {
	if len(key) <= len(taskPrefix) {
		return false
	}
	for _, c := range key[len(taskPrefix):] {
		if c == '/' {
			return false
		}
	}
	return true
}

package redis

// Key layout, all under the configured prefix:
//
//	{prefix}{taskId}        LIST   task queue (LPUSH / BRPOP)
//	{prefix}tq              ZSET   timeout index, score = deadline in unix ms
//	{prefix}{execId}        STRING stored execution body
//	{prefix}{lockKey}:lk    STRING tick lock with expiry

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "_schedule_mq:"

type keys struct {
	prefix string
}

// queue returns the list key for a task queue.
func (k keys) queue(taskID string) string { return k.prefix + taskID }

// timeoutIndex returns the sorted set key of the shared timeout index.
func (k keys) timeoutIndex() string { return k.prefix + "tq" }

// body returns the key holding the stored execution body.
func (k keys) body(execID string) string { return k.prefix + execID }

// lock returns the tick lock key.
func (k keys) lock(lockKey string) string { return k.prefix + lockKey + ":lk" }

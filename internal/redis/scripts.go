package redis

import goredis "github.com/redis/go-redis/v9"

// Reply codes of reapScript.
const (
	reapEmpty   = 0
	reapNotYet  = 1
	reapDropped = 2
	reapReaped  = 3
)

// reapScript claims the head of the timeout index when it is due.
//
// KEYS[1]: timeout index
// ARGV[1]: now, unix ms
// ARGV[2]: key prefix of stored bodies
//
// The body key is derived inside the script, so the script is not Redis
// Cluster safe.
var reapScript = goredis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
  return {0}
end
local id = head[1]
local now = tonumber(ARGV[1])
if tonumber(head[2]) > now then
  return {1, head[2]}
end
redis.call('ZREM', KEYS[1], id)
local bodyKey = ARGV[2] .. id
local body = redis.call('GET', bodyKey)
if not body then
  return {2}
end
local ok, exec = pcall(cjson.decode, body)
if ok and type(exec.retry) == 'table' and exec.retry.enabled == true
    and tonumber(exec.retry.timeout_ms) ~= nil and tonumber(exec.retry.timeout_ms) > 0 then
  redis.call('ZADD', KEYS[1], now + tonumber(exec.retry.timeout_ms), id)
else
  redis.call('DEL', bodyKey)
end
return {3, body}
`)

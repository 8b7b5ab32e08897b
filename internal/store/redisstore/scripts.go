package redisstore

import backend "github.com/redis/go-redis/v9"

// Every script that moves an action between statuses keeps the status
// sorted sets, the owner sets and the action's dedupe key in step with the
// action hash. ARGV[1] is always the key prefix.
//
// The dedupe key is held by the one REQUESTED action allowed for a
// single-trigger step, or for a join of one process instance. Its name is
// stored in the hash field 'dedupe' and released when the action leaves
// REQUESTED.

// createScript inserts an action hash. Returns 0 when the dedupe key is
// already held by another REQUESTED action.
//
// KEYS: action hash, dedupe key (optional)
// ARGV: prefix, guid, status, owner, start_ms, process, step, ignore, name,
//       doc, created_ms, then guid/json/status triples for targets
var createScript = backend.NewScript(`
local prefix, guid, status, owner = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local process, step, ignore, name = ARGV[6], ARGV[7], ARGV[8], ARGV[9]
local dedupe = KEYS[2]
if dedupe and status == 'REQUESTED' then
  local ok = redis.call('SET', dedupe, guid, 'NX')
  if not ok then return 0 end
end
redis.call('HSET', KEYS[1], 'doc', ARGV[10], 'status', status, 'start_ms', ARGV[5],
  'process', process, 'step', step, 'ignore', ignore, 'created_ms', ARGV[11], 'updated_ms', ARGV[11])
if dedupe then
  redis.call('HSET', KEYS[1], 'dedupe', dedupe)
end
if owner ~= '' then
  redis.call('HSET', KEYS[1], 'owner', owner)
  redis.call('SADD', prefix .. 'owner:' .. owner, guid)
end
redis.call('ZADD', prefix .. 'status:' .. status, ARGV[5], guid)
redis.call('SADD', prefix .. 'name:' .. name, guid)
redis.call('SADD', prefix .. 'names', name)
redis.call('ZADD', prefix .. 'step:' .. process .. ':' .. step, ARGV[11], guid)
for i = 12, #ARGV, 3 do
  redis.call('HSET', prefix .. 'targets:' .. guid, ARGV[i], ARGV[i + 1])
  if ARGV[i + 2] ~= '' then
    redis.call('HSET', prefix .. 'tstatus:' .. guid, ARGV[i], ARGV[i + 2])
  end
end
return 1
`)

// moveScript is the compare-and-swap on (status, owner).
// Returns -1 when the action does not exist, 0 when the expectation fails.
//
// KEYS: action hash
// ARGV: prefix, guid, expect_status, expect_owner, new_status, new_owner, now_ms
var moveScript = backend.NewScript(`
local prefix, guid = ARGV[1], ARGV[2]
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
if status ~= ARGV[3] or owner ~= ARGV[4] then return 0 end
local newStatus, newOwner = ARGV[5], ARGV[6]
local dedupe = redis.call('HGET', KEYS[1], 'dedupe')
if dedupe and newStatus == 'REQUESTED' and status ~= 'REQUESTED' then
  if not redis.call('SET', dedupe, guid, 'NX') then return 0 end
end
if dedupe and status == 'REQUESTED' and newStatus ~= 'REQUESTED' and redis.call('GET', dedupe) == guid then
  redis.call('DEL', dedupe)
end
local start = redis.call('HGET', KEYS[1], 'start_ms')
redis.call('ZREM', prefix .. 'status:' .. status, guid)
redis.call('ZADD', prefix .. 'status:' .. newStatus, start, guid)
if owner ~= newOwner then
  if owner ~= '' then redis.call('SREM', prefix .. 'owner:' .. owner, guid) end
  if newOwner ~= '' then redis.call('SADD', prefix .. 'owner:' .. newOwner, guid) end
end
if newOwner == '' then
  redis.call('HDEL', KEYS[1], 'owner')
else
  redis.call('HSET', KEYS[1], 'owner', newOwner)
end
redis.call('HSET', KEYS[1], 'status', newStatus, 'updated_ms', ARGV[7])
return 1
`)

// completeScript is moveScript plus the completion fields and the target
// status propagation.
//
// KEYS: action hash
// ARGV: prefix, guid, expect_status, expect_owner, new_status, completed_ms,
//       guards_json, message, then guid/json/status triples for new targets
var completeScript = backend.NewScript(`
local prefix, guid = ARGV[1], ARGV[2]
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
if status ~= ARGV[3] or owner ~= ARGV[4] then return 0 end
local newStatus = ARGV[5]
local dedupe = redis.call('HGET', KEYS[1], 'dedupe')
if dedupe and status == 'REQUESTED' and redis.call('GET', dedupe) == guid then
  redis.call('DEL', dedupe)
end
local start = redis.call('HGET', KEYS[1], 'start_ms')
redis.call('ZREM', prefix .. 'status:' .. status, guid)
redis.call('ZADD', prefix .. 'status:' .. newStatus, start, guid)
redis.call('HSET', KEYS[1], 'status', newStatus, 'completed_ms', ARGV[6],
  'completion_guards', ARGV[7], 'completion_message', ARGV[8], 'updated_ms', ARGV[6])
local targets = prefix .. 'targets:' .. guid
local tstatus = prefix .. 'tstatus:' .. guid
for i = 9, #ARGV, 3 do
  redis.call('HSET', targets, ARGV[i], ARGV[i + 1])
  if ARGV[i + 2] ~= '' then
    redis.call('HSET', tstatus, ARGV[i], ARGV[i + 2])
  end
end
for _, tid in ipairs(redis.call('HKEYS', targets)) do
  redis.call('HSETNX', tstatus, tid, newStatus)
end
return 1
`)

// guardScript links a predecessor and appends its guard while the action is
// still REQUESTED. Returns -1 when missing, 0 when no longer REQUESTED,
// 1 when the guard was delivered and 2 when the predecessor was already linked.
//
// KEYS: action hash, links hash, guards list
// ARGV: from_guid, link_json, guard, now_ms
var guardScript = backend.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'REQUESTED' then return 0 end
if ARGV[1] ~= '' then
  if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then return 2 end
end
if ARGV[3] ~= '' then
  redis.call('RPUSH', KEYS[3], ARGV[3])
  redis.call('HSET', KEYS[1], 'updated_ms', ARGV[4])
end
return 1
`)

// targetScript updates one target while owner holds the action.
//
// KEYS: action hash, targets hash, target status hash
// ARGV: owner, target_guid, status, target_json
var targetScript = backend.NewScript(`
if (redis.call('HGET', KEYS[1], 'owner') or '') ~= ARGV[1] then return 0 end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then return 0 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
return 1
`)

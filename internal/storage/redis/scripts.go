package redis

const (
	// upsertRestrictionScript stores a restriction and keeps the app index in sync
	upsertRestrictionScript = `
local restriction_key = KEYS[1] -- secondchance:restriction:{appID}
local index_key = KEYS[2]       -- secondchance:restrictions

local app_id = ARGV[1]
local payload = ARGV[2]

redis.call('SET', restriction_key, payload)
redis.call('SADD', index_key, app_id)

return 'OK'
`

	// replaceRestrictionScript stores a restriction only if the current
	// payload still contains every expected fragment. Returns 1 when
	// written, 0 when the record changed or is gone.
	replaceRestrictionScript = `
local restriction_key = KEYS[1]

local payload = ARGV[1]

local current = redis.call('GET', restriction_key)
if not current then
    return 0
end

for i = 2, #ARGV do
    if not string.find(current, ARGV[i], 1, true) then
        return 0
    end
end

redis.call('SET', restriction_key, payload)
return 1
`

	// deleteRestrictionScript removes a restriction, returning 0 if it did not exist
	deleteRestrictionScript = `
local restriction_key = KEYS[1]
local index_key = KEYS[2]

local app_id = ARGV[1]

local removed = redis.call('DEL', restriction_key)
redis.call('SREM', index_key, app_id)

return removed
`

	// ensureUsagePreamble lazily creates the daily usage hash and indexes it
	ensureUsagePreamble = `
local function ensure_usage(usage_key, index_key, date, app_id)
  if redis.call('EXISTS', usage_key) == 0 then
    redis.call('HSET', usage_key,
      'app_id', app_id,
      'date', date,
      'total_seconds', 0,
      'launches', 0,
      'violations', 0
    )
    redis.call('SADD', index_key, app_id)
  end
end
`

	// appendSessionScript atomically appends a session and adds its duration
	// to the day's total, so total_seconds always equals the sum of sessions
	appendSessionScript = ensureUsagePreamble + `
local usage_key = KEYS[1]    -- secondchance:usage:{date}:{appID}
local sessions_key = KEYS[2] -- secondchance:usage:{date}:{appID}:sessions
local index_key = KEYS[3]    -- secondchance:usage:index:{date}

local date = ARGV[1]
local app_id = ARGV[2]
local entry = ARGV[3]
local seconds = tonumber(ARGV[4])

ensure_usage(usage_key, index_key, date, app_id)
redis.call('RPUSH', sessions_key, entry)
redis.call('HINCRBY', usage_key, 'total_seconds', seconds)

return 'OK'
`

	// incrementUsageFieldScript increments a counter field, creating the record if needed
	incrementUsageFieldScript = ensureUsagePreamble + `
local usage_key = KEYS[1]
local index_key = KEYS[2]

local date = ARGV[1]
local app_id = ARGV[2]
local field = ARGV[3]

ensure_usage(usage_key, index_key, date, app_id)

return redis.call('HINCRBY', usage_key, field, 1)
`

	// createApprovalScript creates a pending request unless one is already
	// pending for the same app. Returns 1 on create, 0 on conflict.
	createApprovalScript = `
local approval_key = KEYS[1] -- secondchance:approval:{id}
local pending_set = KEYS[2]  -- secondchance:approvals:pending
local app_key = KEYS[3]      -- secondchance:approvals:pending:app:{appID}

local id = ARGV[1]
local app_id = ARGV[2]
local reason = ARGV[3]
local requested_at = ARGV[4]

if redis.call('EXISTS', app_key) == 1 then
  return 0
end

redis.call('HSET', approval_key,
  'id', id,
  'app_id', app_id,
  'reason', reason,
  'requested_at', requested_at,
  'status', 'pending'
)
redis.call('SADD', pending_set, id)
redis.call('SET', app_key, id)

return 1
`

	// resolveApprovalScript transitions a pending request to a terminal status.
	// Returns 1 on success, 0 if not pending, -1 if missing.
	resolveApprovalScript = `
local approval_key = KEYS[1]
local pending_set = KEYS[2]
local app_key = KEYS[3]

local id = ARGV[1]
local status = ARGV[2]
local resolved_at = ARGV[3]
local granted_until = ARGV[4]

local current = redis.call('HGET', approval_key, 'status')
if not current then
  return -1
end
if current ~= 'pending' then
  return 0
end

redis.call('HSET', approval_key, 'status', status, 'resolved_at', resolved_at)
if granted_until ~= '' then
  redis.call('HSET', approval_key, 'granted_until', granted_until)
end
redis.call('SREM', pending_set, id)
if redis.call('GET', app_key) == id then
  redis.call('DEL', app_key)
end

return 1
`
)

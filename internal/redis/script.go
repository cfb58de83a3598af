package redis

import "github.com/redis/go-redis/v9"

// Result codes of bidScript
const (
	bidAccepted  = 1
	bidNotFound  = -1
	bidNotActive = -2
	bidTooLow    = -3
)

// bidScript is the atomic compare-and-set for a single bid.
// It runs on the Redis server, so the read of the current bid and the write
// of the new one cannot interleave with another bid on the same auction.
var bidScript = redis.NewScript(`
	-- KEYS[1]: auction:{id}          (hash)
	-- KEYS[2]: auction:{id}:bids     (list, append only)
	-- KEYS[3]: auction:{id}:bidders  (set of distinct bidder ids)
	-- ARGV[1]: bid amount (decimal string)
	-- ARGV[2]: bidder id
	-- ARGV[3]: bidder name
	-- ARGV[4]: encoded bid entry
	-- ARGV[5]: now, unix milliseconds

	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {-1, '0', ''}
	end

	local f = redis.call('HMGET', KEYS[1], 'status', 'current_bid', 'highest_bidder_id', 'start_time', 'end_time')
	local status = f[1] or ''
	local current = f[2] or '0'
	local previous_bidder = f[3] or ''
	local now = tonumber(ARGV[5])

	-- The stored status must be active and now must sit inside [start, end)
	if status ~= 'active' or now < tonumber(f[4] or '0') or now >= tonumber(f[5] or '0') then
		return {-2, current, status}
	end

	-- Strictly greater than the current highest bid
	if tonumber(ARGV[1]) <= tonumber(current) then
		return {-3, current, status}
	end

	local prior = redis.call('SMEMBERS', KEYS[3])

	redis.call('HSET', KEYS[1],
		'current_bid', ARGV[1],
		'highest_bidder_id', ARGV[2],
		'highest_bidder_name', ARGV[3],
		'updated_at', ARGV[5])
	redis.call('HINCRBY', KEYS[1], 'revision', 1)
	redis.call('RPUSH', KEYS[2], ARGV[4])
	redis.call('SADD', KEYS[3], ARGV[2])

	local result = {1, current, previous_bidder}
	for _, bidder in ipairs(prior) do
		table.insert(result, bidder)
	end
	return result
`)

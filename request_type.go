package glide

import (
	"strconv"
	"strings"
)

// RequestType identifies a command. CustomCommand sends Args verbatim,
// including the command name.
type RequestType uint32

const (
	InvalidRequest RequestType = iota
	CustomCommand

	// strings
	Get
	GetDel
	GetEx
	GetRange
	GetSet
	Set
	SetRange
	Append
	Strlen
	Incr
	IncrBy
	IncrByFloat
	Decr
	DecrBy
	MGet
	MSet
	MSetNX
	LCS

	// generic keyspace
	Del
	Unlink
	Exists
	Touch
	Expire
	ExpireAt
	PExpire
	PExpireAt
	ExpireTime
	PExpireTime
	Persist
	TTL
	PTTL
	Type
	Rename
	RenameNX
	Copy
	Move
	Dump
	Restore
	ObjectEncoding
	ObjectFreq
	ObjectIdleTime
	ObjectRefCount
	Sort
	SortReadOnly
	RandomKey
	Keys
	Scan
	Wait

	// hashes
	HSet
	HSetNX
	HGet
	HMGet
	HDel
	HExists
	HGetAll
	HIncrBy
	HIncrByFloat
	HKeys
	HVals
	HLen
	HStrlen
	HRandField
	HScan

	// lists
	LPush
	LPushX
	RPush
	RPushX
	LPop
	RPop
	LRange
	LIndex
	LInsert
	LLen
	LRem
	LSet
	LTrim
	LPos
	LMove
	BLMove
	LMPop
	BLMPop
	BLPop
	BRPop
	RPopLPush
	BRPopLPush

	// sets
	SAdd
	SRem
	SMembers
	SCard
	SIsMember
	SMIsMember
	SPop
	SRandMember
	SMove
	SDiff
	SDiffStore
	SInter
	SInterStore
	SInterCard
	SUnion
	SUnionStore
	SScan

	// sorted sets
	ZAdd
	ZRem
	ZCard
	ZScore
	ZMScore
	ZCount
	ZLexCount
	ZRange
	ZRangeStore
	ZRank
	ZRevRank
	ZIncrBy
	ZPopMin
	ZPopMax
	BZPopMin
	BZPopMax
	ZMPop
	BZMPop
	ZRemRangeByRank
	ZRemRangeByScore
	ZRemRangeByLex
	ZDiff
	ZDiffStore
	ZInter
	ZInterStore
	ZInterCard
	ZUnion
	ZUnionStore
	ZRandMember
	ZScan

	// streams
	XAdd
	XDel
	XLen
	XRange
	XRevRange
	XRead
	XReadGroup
	XTrim
	XAck
	XPending
	XClaim
	XAutoClaim
	XGroupCreate
	XGroupDestroy
	XGroupCreateConsumer
	XGroupDelConsumer
	XGroupSetId
	XInfoStream
	XInfoGroups
	XInfoConsumers

	// bitmaps and hyperloglog
	SetBit
	GetBit
	BitCount
	BitPos
	BitOp
	BitField
	BitFieldReadOnly
	PfAdd
	PfCount
	PfMerge

	// geo
	GeoAdd
	GeoDist
	GeoHash
	GeoPos
	GeoSearch
	GeoSearchStore

	// scripting and functions
	Eval
	EvalReadOnly
	EvalSha
	EvalShaReadOnly
	ScriptExists
	ScriptFlush
	ScriptKill
	ScriptLoad
	FCall
	FCallReadOnly
	FunctionLoad
	FunctionList
	FunctionDelete
	FunctionFlush
	FunctionKill
	FunctionStats
	FunctionDump
	FunctionRestore

	// transactions
	Multi
	Exec
	Discard
	Watch
	Unwatch

	// pub/sub
	Publish
	SPublish
	PubSubChannels
	PubSubNumPat
	PubSubNumSub
	PubSubShardChannels
	PubSubShardNumSub

	// connection and server
	Ping
	Echo
	ClientId
	ClientGetName
	Info
	DBSize
	FlushAll
	FlushDB
	Time
	LastSave
	Role
	ConfigGet
	ConfigSet
	ConfigResetStat
	ConfigRewrite
	Lolwut
	ClusterInfo
	ClusterNodes
	ClusterShards
	ClusterSlots
	ClusterKeySlot

	requestTypeCount
)

type cmdFlags uint8

const (
	readOnly cmdFlags = 1 << iota
)

// keySpec locates keys in the arguments that follow the command name.
// last counts from the end when negative. numKeysAt, when set, names the
// argument holding the key count; keys follow it.
type keySpec struct {
	first, last, step int
	counted           bool
	numKeysAt         int
	streams           bool
}

var (
	noKeys         = keySpec{first: -1}
	key1           = keySpec{first: 0, last: 0, step: 1}
	key2           = keySpec{first: 0, last: 1, step: 1}
	keysAll        = keySpec{first: 0, last: -1, step: 1}
	keysPairs      = keySpec{first: 0, last: -1, step: 2}
	keysBeforeLast = keySpec{first: 0, last: -2, step: 1}
	streamKeys     = keySpec{first: -1, streams: true}
)

func numKeys(at int, withDest bool) keySpec {
	ks := keySpec{first: -1, counted: true, numKeysAt: at}
	if withDest {
		ks.first = 0
	}
	return ks
}

type defaultRoute uint8

const (
	toRandom defaultRoute = iota
	toAllPrimaries
	toAllNodes
)

type aggregatePolicy uint8

const (
	aggByNode aggregatePolicy = iota
	aggSum
	aggAllOK
	aggConcat
	aggOneSucceeded
	aggLogicalAnd
)

type splitPolicy uint8

const (
	splitNone splitPolicy = iota
	splitKeys
	splitPairs
)

// blockTimeout says where a blocking command carries its timeout.
type blockTimeout uint8

const (
	notBlocking blockTimeout = iota
	blockLastArg
	blockFirstArg
	blockOption
)

type requestInfo struct {
	name  []string
	flags cmdFlags
	keys  keySpec
	route defaultRoute
	agg   aggregatePolicy
	split splitPolicy
	block blockTimeout
}

func w(s string) []string { return strings.Fields(s) }

var requests = [requestTypeCount]requestInfo{
	Get:         {name: w("GET"), flags: readOnly, keys: key1},
	GetDel:      {name: w("GETDEL"), keys: key1},
	GetEx:       {name: w("GETEX"), keys: key1},
	GetRange:    {name: w("GETRANGE"), flags: readOnly, keys: key1},
	GetSet:      {name: w("GETSET"), keys: key1},
	Set:         {name: w("SET"), keys: key1},
	SetRange:    {name: w("SETRANGE"), keys: key1},
	Append:      {name: w("APPEND"), keys: key1},
	Strlen:      {name: w("STRLEN"), flags: readOnly, keys: key1},
	Incr:        {name: w("INCR"), keys: key1},
	IncrBy:      {name: w("INCRBY"), keys: key1},
	IncrByFloat: {name: w("INCRBYFLOAT"), keys: key1},
	Decr:        {name: w("DECR"), keys: key1},
	DecrBy:      {name: w("DECRBY"), keys: key1},
	MGet:        {name: w("MGET"), flags: readOnly, keys: keysAll, split: splitKeys},
	MSet:        {name: w("MSET"), keys: keysPairs, split: splitPairs, agg: aggAllOK},
	MSetNX:      {name: w("MSETNX"), keys: keysPairs},
	LCS:         {name: w("LCS"), flags: readOnly, keys: key2},

	Del:            {name: w("DEL"), keys: keysAll, split: splitKeys, agg: aggSum},
	Unlink:         {name: w("UNLINK"), keys: keysAll, split: splitKeys, agg: aggSum},
	Exists:         {name: w("EXISTS"), flags: readOnly, keys: keysAll, split: splitKeys, agg: aggSum},
	Touch:          {name: w("TOUCH"), flags: readOnly, keys: keysAll, split: splitKeys, agg: aggSum},
	Expire:         {name: w("EXPIRE"), keys: key1},
	ExpireAt:       {name: w("EXPIREAT"), keys: key1},
	PExpire:        {name: w("PEXPIRE"), keys: key1},
	PExpireAt:      {name: w("PEXPIREAT"), keys: key1},
	ExpireTime:     {name: w("EXPIRETIME"), flags: readOnly, keys: key1},
	PExpireTime:    {name: w("PEXPIRETIME"), flags: readOnly, keys: key1},
	Persist:        {name: w("PERSIST"), keys: key1},
	TTL:            {name: w("TTL"), flags: readOnly, keys: key1},
	PTTL:           {name: w("PTTL"), flags: readOnly, keys: key1},
	Type:           {name: w("TYPE"), flags: readOnly, keys: key1},
	Rename:         {name: w("RENAME"), keys: key2},
	RenameNX:       {name: w("RENAMENX"), keys: key2},
	Copy:           {name: w("COPY"), keys: key2},
	Move:           {name: w("MOVE"), keys: key1},
	Dump:           {name: w("DUMP"), flags: readOnly, keys: key1},
	Restore:        {name: w("RESTORE"), keys: key1},
	ObjectEncoding: {name: w("OBJECT ENCODING"), flags: readOnly, keys: key1},
	ObjectFreq:     {name: w("OBJECT FREQ"), flags: readOnly, keys: key1},
	ObjectIdleTime: {name: w("OBJECT IDLETIME"), flags: readOnly, keys: key1},
	ObjectRefCount: {name: w("OBJECT REFCOUNT"), flags: readOnly, keys: key1},
	Sort:           {name: w("SORT"), keys: key1},
	SortReadOnly:   {name: w("SORT_RO"), flags: readOnly, keys: key1},
	RandomKey:      {name: w("RANDOMKEY"), flags: readOnly, keys: noKeys},
	Keys:           {name: w("KEYS"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggConcat},
	Scan:           {name: w("SCAN"), flags: readOnly, keys: noKeys},
	Wait:           {name: w("WAIT"), keys: noKeys, route: toAllPrimaries, agg: aggByNode},

	HSet:         {name: w("HSET"), keys: key1},
	HSetNX:       {name: w("HSETNX"), keys: key1},
	HGet:         {name: w("HGET"), flags: readOnly, keys: key1},
	HMGet:        {name: w("HMGET"), flags: readOnly, keys: key1},
	HDel:         {name: w("HDEL"), keys: key1},
	HExists:      {name: w("HEXISTS"), flags: readOnly, keys: key1},
	HGetAll:      {name: w("HGETALL"), flags: readOnly, keys: key1},
	HIncrBy:      {name: w("HINCRBY"), keys: key1},
	HIncrByFloat: {name: w("HINCRBYFLOAT"), keys: key1},
	HKeys:        {name: w("HKEYS"), flags: readOnly, keys: key1},
	HVals:        {name: w("HVALS"), flags: readOnly, keys: key1},
	HLen:         {name: w("HLEN"), flags: readOnly, keys: key1},
	HStrlen:      {name: w("HSTRLEN"), flags: readOnly, keys: key1},
	HRandField:   {name: w("HRANDFIELD"), flags: readOnly, keys: key1},
	HScan:        {name: w("HSCAN"), flags: readOnly, keys: key1},

	LPush:      {name: w("LPUSH"), keys: key1},
	LPushX:     {name: w("LPUSHX"), keys: key1},
	RPush:      {name: w("RPUSH"), keys: key1},
	RPushX:     {name: w("RPUSHX"), keys: key1},
	LPop:       {name: w("LPOP"), keys: key1},
	RPop:       {name: w("RPOP"), keys: key1},
	LRange:     {name: w("LRANGE"), flags: readOnly, keys: key1},
	LIndex:     {name: w("LINDEX"), flags: readOnly, keys: key1},
	LInsert:    {name: w("LINSERT"), keys: key1},
	LLen:       {name: w("LLEN"), flags: readOnly, keys: key1},
	LRem:       {name: w("LREM"), keys: key1},
	LSet:       {name: w("LSET"), keys: key1},
	LTrim:      {name: w("LTRIM"), keys: key1},
	LPos:       {name: w("LPOS"), flags: readOnly, keys: key1},
	LMove:      {name: w("LMOVE"), keys: key2},
	BLMove:     {name: w("BLMOVE"), keys: key2, block: blockLastArg},
	LMPop:      {name: w("LMPOP"), keys: numKeys(0, false)},
	BLMPop:     {name: w("BLMPOP"), keys: numKeys(1, false), block: blockFirstArg},
	BLPop:      {name: w("BLPOP"), keys: keysBeforeLast, block: blockLastArg},
	BRPop:      {name: w("BRPOP"), keys: keysBeforeLast, block: blockLastArg},
	RPopLPush:  {name: w("RPOPLPUSH"), keys: key2},
	BRPopLPush: {name: w("BRPOPLPUSH"), keys: key2, block: blockLastArg},

	SAdd:        {name: w("SADD"), keys: key1},
	SRem:        {name: w("SREM"), keys: key1},
	SMembers:    {name: w("SMEMBERS"), flags: readOnly, keys: key1},
	SCard:       {name: w("SCARD"), flags: readOnly, keys: key1},
	SIsMember:   {name: w("SISMEMBER"), flags: readOnly, keys: key1},
	SMIsMember:  {name: w("SMISMEMBER"), flags: readOnly, keys: key1},
	SPop:        {name: w("SPOP"), keys: key1},
	SRandMember: {name: w("SRANDMEMBER"), flags: readOnly, keys: key1},
	SMove:       {name: w("SMOVE"), keys: key2},
	SDiff:       {name: w("SDIFF"), flags: readOnly, keys: keysAll},
	SDiffStore:  {name: w("SDIFFSTORE"), keys: keysAll},
	SInter:      {name: w("SINTER"), flags: readOnly, keys: keysAll},
	SInterStore: {name: w("SINTERSTORE"), keys: keysAll},
	SInterCard:  {name: w("SINTERCARD"), flags: readOnly, keys: numKeys(0, false)},
	SUnion:      {name: w("SUNION"), flags: readOnly, keys: keysAll},
	SUnionStore: {name: w("SUNIONSTORE"), keys: keysAll},
	SScan:       {name: w("SSCAN"), flags: readOnly, keys: key1},

	ZAdd:             {name: w("ZADD"), keys: key1},
	ZRem:             {name: w("ZREM"), keys: key1},
	ZCard:            {name: w("ZCARD"), flags: readOnly, keys: key1},
	ZScore:           {name: w("ZSCORE"), flags: readOnly, keys: key1},
	ZMScore:          {name: w("ZMSCORE"), flags: readOnly, keys: key1},
	ZCount:           {name: w("ZCOUNT"), flags: readOnly, keys: key1},
	ZLexCount:        {name: w("ZLEXCOUNT"), flags: readOnly, keys: key1},
	ZRange:           {name: w("ZRANGE"), flags: readOnly, keys: key1},
	ZRangeStore:      {name: w("ZRANGESTORE"), keys: key2},
	ZRank:            {name: w("ZRANK"), flags: readOnly, keys: key1},
	ZRevRank:         {name: w("ZREVRANK"), flags: readOnly, keys: key1},
	ZIncrBy:          {name: w("ZINCRBY"), keys: key1},
	ZPopMin:          {name: w("ZPOPMIN"), keys: key1},
	ZPopMax:          {name: w("ZPOPMAX"), keys: key1},
	BZPopMin:         {name: w("BZPOPMIN"), keys: keysBeforeLast, block: blockLastArg},
	BZPopMax:         {name: w("BZPOPMAX"), keys: keysBeforeLast, block: blockLastArg},
	ZMPop:            {name: w("ZMPOP"), keys: numKeys(0, false)},
	BZMPop:           {name: w("BZMPOP"), keys: numKeys(1, false), block: blockFirstArg},
	ZRemRangeByRank:  {name: w("ZREMRANGEBYRANK"), keys: key1},
	ZRemRangeByScore: {name: w("ZREMRANGEBYSCORE"), keys: key1},
	ZRemRangeByLex:   {name: w("ZREMRANGEBYLEX"), keys: key1},
	ZDiff:            {name: w("ZDIFF"), flags: readOnly, keys: numKeys(0, false)},
	ZDiffStore:       {name: w("ZDIFFSTORE"), keys: numKeys(1, true)},
	ZInter:           {name: w("ZINTER"), flags: readOnly, keys: numKeys(0, false)},
	ZInterStore:      {name: w("ZINTERSTORE"), keys: numKeys(1, true)},
	ZInterCard:       {name: w("ZINTERCARD"), flags: readOnly, keys: numKeys(0, false)},
	ZUnion:           {name: w("ZUNION"), flags: readOnly, keys: numKeys(0, false)},
	ZUnionStore:      {name: w("ZUNIONSTORE"), keys: numKeys(1, true)},
	ZRandMember:      {name: w("ZRANDMEMBER"), flags: readOnly, keys: key1},
	ZScan:            {name: w("ZSCAN"), flags: readOnly, keys: key1},

	XAdd:                 {name: w("XADD"), keys: key1},
	XDel:                 {name: w("XDEL"), keys: key1},
	XLen:                 {name: w("XLEN"), flags: readOnly, keys: key1},
	XRange:               {name: w("XRANGE"), flags: readOnly, keys: key1},
	XRevRange:            {name: w("XREVRANGE"), flags: readOnly, keys: key1},
	XRead:                {name: w("XREAD"), flags: readOnly, keys: streamKeys, block: blockOption},
	XReadGroup:           {name: w("XREADGROUP"), keys: streamKeys, block: blockOption},
	XTrim:                {name: w("XTRIM"), keys: key1},
	XAck:                 {name: w("XACK"), keys: key1},
	XPending:             {name: w("XPENDING"), flags: readOnly, keys: key1},
	XClaim:               {name: w("XCLAIM"), keys: key1},
	XAutoClaim:           {name: w("XAUTOCLAIM"), keys: key1},
	XGroupCreate:         {name: w("XGROUP CREATE"), keys: key1},
	XGroupDestroy:        {name: w("XGROUP DESTROY"), keys: key1},
	XGroupCreateConsumer: {name: w("XGROUP CREATECONSUMER"), keys: key1},
	XGroupDelConsumer:    {name: w("XGROUP DELCONSUMER"), keys: key1},
	XGroupSetId:          {name: w("XGROUP SETID"), keys: key1},
	XInfoStream:          {name: w("XINFO STREAM"), flags: readOnly, keys: key1},
	XInfoGroups:          {name: w("XINFO GROUPS"), flags: readOnly, keys: key1},
	XInfoConsumers:       {name: w("XINFO CONSUMERS"), flags: readOnly, keys: key1},

	SetBit:           {name: w("SETBIT"), keys: key1},
	GetBit:           {name: w("GETBIT"), flags: readOnly, keys: key1},
	BitCount:         {name: w("BITCOUNT"), flags: readOnly, keys: key1},
	BitPos:           {name: w("BITPOS"), flags: readOnly, keys: key1},
	BitOp:            {name: w("BITOP"), keys: keySpec{first: 1, last: -1, step: 1}},
	BitField:         {name: w("BITFIELD"), keys: key1},
	BitFieldReadOnly: {name: w("BITFIELD_RO"), flags: readOnly, keys: key1},
	PfAdd:            {name: w("PFADD"), keys: key1},
	PfCount:          {name: w("PFCOUNT"), flags: readOnly, keys: keysAll},
	PfMerge:          {name: w("PFMERGE"), keys: keysAll},

	GeoAdd:         {name: w("GEOADD"), keys: key1},
	GeoDist:        {name: w("GEODIST"), flags: readOnly, keys: key1},
	GeoHash:        {name: w("GEOHASH"), flags: readOnly, keys: key1},
	GeoPos:         {name: w("GEOPOS"), flags: readOnly, keys: key1},
	GeoSearch:      {name: w("GEOSEARCH"), flags: readOnly, keys: key1},
	GeoSearchStore: {name: w("GEOSEARCHSTORE"), keys: key2},

	Eval:            {name: w("EVAL"), keys: numKeys(1, false)},
	EvalReadOnly:    {name: w("EVAL_RO"), flags: readOnly, keys: numKeys(1, false)},
	EvalSha:         {name: w("EVALSHA"), keys: numKeys(1, false)},
	EvalShaReadOnly: {name: w("EVALSHA_RO"), flags: readOnly, keys: numKeys(1, false)},
	ScriptExists:    {name: w("SCRIPT EXISTS"), keys: noKeys, route: toAllPrimaries, agg: aggLogicalAnd},
	ScriptFlush:     {name: w("SCRIPT FLUSH"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},
	ScriptKill:      {name: w("SCRIPT KILL"), keys: noKeys, route: toAllPrimaries, agg: aggOneSucceeded},
	ScriptLoad:      {name: w("SCRIPT LOAD"), keys: noKeys, route: toAllPrimaries, agg: aggOneSucceeded},
	FCall:           {name: w("FCALL"), keys: numKeys(1, false)},
	FCallReadOnly:   {name: w("FCALL_RO"), flags: readOnly, keys: numKeys(1, false)},
	FunctionLoad:    {name: w("FUNCTION LOAD"), keys: noKeys, route: toAllPrimaries, agg: aggOneSucceeded},
	FunctionList:    {name: w("FUNCTION LIST"), flags: readOnly, keys: noKeys},
	FunctionDelete:  {name: w("FUNCTION DELETE"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},
	FunctionFlush:   {name: w("FUNCTION FLUSH"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},
	FunctionKill:    {name: w("FUNCTION KILL"), keys: noKeys, route: toAllPrimaries, agg: aggOneSucceeded},
	FunctionStats:   {name: w("FUNCTION STATS"), flags: readOnly, keys: noKeys, route: toAllNodes, agg: aggByNode},
	FunctionDump:    {name: w("FUNCTION DUMP"), flags: readOnly, keys: noKeys},
	FunctionRestore: {name: w("FUNCTION RESTORE"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},

	Multi:   {name: w("MULTI"), keys: noKeys},
	Exec:    {name: w("EXEC"), keys: noKeys},
	Discard: {name: w("DISCARD"), keys: noKeys},
	Watch:   {name: w("WATCH"), keys: keysAll},
	Unwatch: {name: w("UNWATCH"), keys: noKeys},

	Publish:             {name: w("PUBLISH"), keys: noKeys},
	SPublish:            {name: w("SPUBLISH"), keys: key1},
	PubSubChannels:      {name: w("PUBSUB CHANNELS"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggConcat},
	PubSubNumPat:        {name: w("PUBSUB NUMPAT"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggSum},
	PubSubNumSub:        {name: w("PUBSUB NUMSUB"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggByNode},
	PubSubShardChannels: {name: w("PUBSUB SHARDCHANNELS"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggConcat},
	PubSubShardNumSub:   {name: w("PUBSUB SHARDNUMSUB"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggByNode},

	Ping:            {name: w("PING"), flags: readOnly, keys: noKeys},
	Echo:            {name: w("ECHO"), flags: readOnly, keys: noKeys},
	ClientId:        {name: w("CLIENT ID"), flags: readOnly, keys: noKeys},
	ClientGetName:   {name: w("CLIENT GETNAME"), flags: readOnly, keys: noKeys},
	Info:            {name: w("INFO"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggByNode},
	DBSize:          {name: w("DBSIZE"), flags: readOnly, keys: noKeys, route: toAllPrimaries, agg: aggSum},
	FlushAll:        {name: w("FLUSHALL"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},
	FlushDB:         {name: w("FLUSHDB"), keys: noKeys, route: toAllPrimaries, agg: aggAllOK},
	Time:            {name: w("TIME"), flags: readOnly, keys: noKeys},
	LastSave:        {name: w("LASTSAVE"), flags: readOnly, keys: noKeys},
	Role:            {name: w("ROLE"), flags: readOnly, keys: noKeys},
	ConfigGet:       {name: w("CONFIG GET"), flags: readOnly, keys: noKeys},
	ConfigSet:       {name: w("CONFIG SET"), keys: noKeys, route: toAllNodes, agg: aggAllOK},
	ConfigResetStat: {name: w("CONFIG RESETSTAT"), keys: noKeys, route: toAllNodes, agg: aggAllOK},
	ConfigRewrite:   {name: w("CONFIG REWRITE"), keys: noKeys, route: toAllNodes, agg: aggAllOK},
	Lolwut:          {name: w("LOLWUT"), flags: readOnly, keys: noKeys},
	ClusterInfo:     {name: w("CLUSTER INFO"), flags: readOnly, keys: noKeys},
	ClusterNodes:    {name: w("CLUSTER NODES"), flags: readOnly, keys: noKeys},
	ClusterShards:   {name: w("CLUSTER SHARDS"), flags: readOnly, keys: noKeys},
	ClusterSlots:    {name: w("CLUSTER SLOTS"), flags: readOnly, keys: noKeys},
	ClusterKeySlot:  {name: w("CLUSTER KEYSLOT"), flags: readOnly, keys: noKeys},
}

var requestsByName = func() map[string]RequestType {
	m := make(map[string]RequestType, len(requests))
	for i, info := range requests {
		if len(info.name) > 0 {
			m[strings.Join(info.name, " ")] = RequestType(i)
		}
	}
	return m
}()

func (t RequestType) info() requestInfo {
	if t >= requestTypeCount {
		return requestInfo{}
	}
	return requests[t]
}

func (t RequestType) String() string {
	switch t {
	case InvalidRequest:
		return "InvalidRequest"
	case CustomCommand:
		return "CustomCommand"
	}
	if n := t.info().name; len(n) > 0 {
		return strings.Join(n, " ")
	}
	return "RequestType(" + strconv.Itoa(int(t)) + ")"
}

// RequestTypeByName finds the request type for a command line, trying the
// two-word form (CLIENT GETNAME) before the single word. It returns the
// type and how many arguments form the name.
func RequestTypeByName(args [][]byte) (RequestType, int) {
	if len(args) >= 2 {
		two := strings.ToUpper(string(args[0])) + " " + strings.ToUpper(string(args[1]))
		if t, ok := requestsByName[two]; ok {
			return t, 2
		}
	}
	if len(args) >= 1 {
		if t, ok := requestsByName[strings.ToUpper(string(args[0]))]; ok {
			return t, 1
		}
	}
	return InvalidRequest, 0
}

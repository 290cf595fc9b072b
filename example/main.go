package main

func main() {
	test := newTestDistributedLock("distributed:lock:job:42").
		withPostgres().
		withDynamoDB().
		withHazelcast().
		withRedis().
		withEtcd().
		withConsul().
		withMongoDB().
		withZooKeeper()

	test.doLock()
	test.doWatchdog()
	test.doQueue()
	test.shutdown()
}

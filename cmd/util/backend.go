package util

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/aerospike/aerospike-client-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-redis/redis/v8"
	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/consul/api"
	"github.com/hazelcast/hazelcast-go-client"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/aerospikelock"
	"github.com/companyinfo/distlock/consullock"
	"github.com/companyinfo/distlock/dynamolock"
	"github.com/companyinfo/distlock/etcdlock"
	"github.com/companyinfo/distlock/hazelcastlock"
	"github.com/companyinfo/distlock/leaselock"
	"github.com/companyinfo/distlock/mongolock"
	"github.com/companyinfo/distlock/postgreslock"
	"github.com/companyinfo/distlock/redislock"
	"github.com/companyinfo/distlock/redlock"
	"github.com/companyinfo/distlock/zookeeperlock"
)

// ErrUnknownBackend is returned for a --backend value no locker exists for.
var ErrUnknownBackend = errors.New("unknown backend")

var defaultEndpoints = map[string][]string{
	distlock.BackendRedis:     {"localhost:6379"},
	distlock.BackendRedlock:   {"localhost:6379"},
	distlock.BackendZooKeeper: {"localhost:2181"},
	distlock.BackendEtcd:      {"localhost:2379"},
	distlock.BackendPostgres:  {"postgres://localhost:5432/postgres?sslmode=disable"},
	distlock.BackendMongoDB:   {"mongodb://localhost:27017"},
	distlock.BackendConsul:    {"localhost:8500"},
	distlock.BackendHazelcast: {"localhost:5701"},
	distlock.BackendAerospike: {"localhost:3000"},
}

// OpenLocker connects to the configured backend. The returned close function
// releases the connection and must be called once the locker is done.
func OpenLocker(ctx context.Context, c Config) (distlock.Locker, func(), error) {
	endpoints := c.Endpoints
	if len(endpoints) == 0 {
		endpoints = defaultEndpoints[c.Backend]
	}

	timeout := c.Timeout()

	opts := c.Options()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch c.Backend {
	case distlock.BackendMock:
		return distlock.NewMockLock(), func() {}, nil

	case distlock.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: endpoints})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}

		return redislock.New(client, opts...), func() { _ = client.Close() }, nil

	case distlock.BackendRedlock:
		clients := make([]goredis.UniversalClient, 0, len(endpoints))
		closeAll := func() {
			for _, client := range clients {
				_ = client.Close()
			}
		}
		for _, endpoint := range endpoints {
			clients = append(clients, goredis.NewClient(&goredis.Options{Addr: endpoint}))
		}

		locker, err := redlock.New(clients, opts...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}

		return locker, closeAll, nil

	case distlock.BackendZooKeeper:
		conn, _, err := zk.Connect(endpoints, timeout, zk.WithLogInfo(c.Verbosity > 1))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to zookeeper: %w", err)
		}

		locker, err := zookeeperlock.New(conn, opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}

		return locker, conn.Close, nil

	case distlock.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: timeout})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to etcd: %w", err)
		}

		return etcdlock.New(client, opts...), func() { _ = client.Close() }, nil

	case distlock.BackendPostgres:
		db, err := sql.Open("postgres", endpoints[0])
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}

		store := postgreslock.NewStore(db, opts...)
		if err = initStore(ctx, c.Init, db.PingContext, store.CreateTable); err != nil {
			_ = db.Close()
			return nil, nil, err
		}

		return leaselock.New(store, opts...), func() { _ = db.Close() }, nil

	case distlock.BackendMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoints[0]))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}

		disconnect := func() { _ = client.Disconnect(context.Background()) }
		store := mongolock.NewStore(client, opts...)
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		if err = initStore(ctx, c.Init, ping, store.CreateIndexes); err != nil {
			disconnect()
			return nil, nil, err
		}

		return leaselock.New(store, opts...), disconnect, nil

	case distlock.BackendDynamoDB:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}

		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if len(c.Endpoints) > 0 {
				o.BaseEndpoint = aws.String(c.Endpoints[0])
			}
		})

		store := dynamolock.NewStore(client, opts...)
		if err = initStore(ctx, c.Init, nil, store.CreateTable); err != nil {
			return nil, nil, err
		}

		return leaselock.New(store, opts...), func() {}, nil

	case distlock.BackendConsul:
		client, err := api.NewClient(&api.Config{Address: endpoints[0]})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to consul: %w", err)
		}

		return consullock.New(client, opts...), func() {}, nil

	case distlock.BackendHazelcast:
		config := hazelcast.NewConfig()
		config.Cluster.Network.SetAddresses(endpoints...)

		client, err := hazelcast.StartNewClientWithConfig(ctx, config)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to hazelcast: %w", err)
		}

		return hazelcastlock.New(client, opts...), func() { _ = client.Shutdown(context.Background()) }, nil

	case distlock.BackendAerospike:
		hosts, err := aerospikeHosts(endpoints)
		if err != nil {
			return nil, nil, err
		}

		policy := aerospike.NewClientPolicy()
		policy.Timeout = timeout

		client, err := aerospike.NewClientWithPolicyAndHost(policy, hosts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to aerospike: %w", err)
		}

		return aerospikelock.New(client, c.Namespace, opts...), client.Close, nil
	}

	return nil, nil, fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
}

// initStore checks connectivity with ping and, when create is requested,
// creates the table or indexes the store needs.
func initStore(ctx context.Context, create bool, ping, setup func(ctx context.Context) error) error {
	if ping != nil {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("ping backend: %w", err)
		}
	}

	if !create {
		return nil
	}

	if err := setup(ctx); err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}

	return nil
}

func aerospikeHosts(endpoints []string) ([]*aerospike.Host, error) {
	hosts := make([]*aerospike.Host, 0, len(endpoints))
	for _, endpoint := range endpoints {
		name, port, err := net.SplitHostPort(endpoint)
		if err != nil {
			return nil, fmt.Errorf("aerospike endpoint %q: %w", endpoint, err)
		}

		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("aerospike endpoint %q: invalid port", endpoint)
		}

		hosts = append(hosts, aerospike.NewHost(name, p))
	}

	return hosts, nil
}

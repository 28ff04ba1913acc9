package stores

import (
	"collab-server/config"
	"collab-server/core"
	"collab-server/stores/aws"
	"collab-server/stores/filesystem"
	"collab-server/stores/memory"
	"collab-server/stores/minio"
	"collab-server/stores/postgres"
	"collab-server/stores/redis"
	"collab-server/stores/sqlite"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

func GetStore(cfg config.Config) core.Store {
	var store core.Store

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store = filesystem.NewStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store = sqlite.NewStore(cfg.DataSourceName)
	case "postgres":
		if cfg.DatabaseURL == "" {
			logrus.Fatal("DATABASE_URL environment variable must be set for postgres storage type")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logrus.Fatalf("failed to open postgres: %v", err)
		}
		store = pg
	case "s3":
		if cfg.S3BucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		storageField["bucketName"] = cfg.S3BucketName
		store = aws.NewStore(cfg.S3BucketName)
	case "minio":
		storageField["endpoint"] = cfg.MinioEndpoint
		storageField["bucketName"] = cfg.MinioBucket
		store = minio.NewStore(minio.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}

// GetActivity returns the room activity registry: Redis when REDIS_URL is
// set, otherwise the store itself when it keeps activity, otherwise nil.
func GetActivity(cfg config.Config, store core.Store) core.RoomActivity {
	if cfg.RedisURL != "" {
		activity, err := redis.NewActivityStore(cfg.RedisURL)
		if err != nil {
			logrus.Fatalf("failed to connect to redis: %v", err)
		}
		logrus.Info("Use redis room activity")
		return activity
	}
	if activity, ok := store.(core.RoomActivity); ok {
		return activity
	}
	logrus.WithField("storageType", cfg.StorageType).Warn("Room activity is not tracked by this storage type")
	return nil
}

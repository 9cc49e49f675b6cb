// Package mongodb is a route and vehicle directory backed by MongoDB
// collections "routes" and "vehicles", keyed by route id and vehicle code.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bus-tracker/internal/transit"
)

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

type Directory struct {
	routes   *mongo.Collection
	vehicles *mongo.Collection
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{
		routes:   db.Collection("routes"),
		vehicles: db.Collection("vehicles"),
	}
}

func (d *Directory) RouteByID(ctx context.Context, id string) (*transit.Route, error) {
	var r transit.Route
	if err := d.routes.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("route %s: %w", id, transit.ErrNotFound)
		}
		return nil, fmt.Errorf("find route: %w", err)
	}
	return &r, nil
}

func (d *Directory) VehicleByCode(ctx context.Context, code string) (transit.Vehicle, error) {
	code = transit.NormalizeCode(code)
	var v transit.Vehicle
	if err := d.vehicles.FindOne(ctx, bson.M{"_id": code}).Decode(&v); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return transit.Vehicle{}, fmt.Errorf("vehicle %s: %w", code, transit.ErrNotFound)
		}
		return transit.Vehicle{}, fmt.Errorf("find vehicle: %w", err)
	}
	return v, nil
}

func (d *Directory) SaveVehicle(ctx context.Context, v transit.Vehicle) error {
	res, err := d.vehicles.ReplaceOne(ctx, bson.M{"_id": v.Code}, v)
	if err != nil {
		return fmt.Errorf("replace vehicle: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("vehicle %s: %w", v.Code, transit.ErrNotFound)
	}
	return nil
}

func (d *Directory) ListVehicles(ctx context.Context) ([]transit.Vehicle, error) {
	cur, err := d.vehicles.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find vehicles: %w", err)
	}
	defer cur.Close(ctx)
	var out []transit.Vehicle
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode vehicles: %w", err)
	}
	return out, nil
}

// Import upserts routes and vehicles. Existing vehicles keep their trip
// progress.
func (d *Directory) Import(ctx context.Context, routes []transit.Route, vehicles []transit.Vehicle) error {
	upsert := options.Replace().SetUpsert(true)
	for _, r := range routes {
		if _, err := d.routes.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, upsert); err != nil {
			return fmt.Errorf("import route %s: %w", r.ID, err)
		}
	}
	for _, v := range vehicles {
		v.Code = transit.NormalizeCode(v.Code)
		if v.Status == "" {
			v.Status = transit.StatusInactive
		}
		_, err := d.vehicles.UpdateOne(ctx, bson.M{"_id": v.Code}, bson.M{
			"$set": bson.M{
				"operatorId":        v.OperatorID,
				"routeId":           v.RouteID,
				"capacity":          v.Capacity,
				"currentPassengers": v.CurrentPassengers,
			},
			"$setOnInsert": bson.M{
				"currentStopIndex": 0,
				"isActive":         false,
				"status":           v.Status,
				"location":         transit.Position{},
			},
		}, options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("import vehicle %s: %w", v.Code, err)
		}
	}
	return nil
}

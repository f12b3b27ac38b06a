package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CreateManager inserts a new manager account. Returns ErrDuplicate when the
// username or email is already taken.
func (s *Store) CreateManager(ctx context.Context, m *Manager) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.managers.InsertOne(ctx, m); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

// ManagerByID fetches one manager account.
func (s *Store) ManagerByID(ctx context.Context, id string) (*Manager, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var m Manager
	if err := s.managers.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, mapReadErr(err)
	}
	return &m, nil
}

// ManagerByUsername looks up a manager account.
func (s *Store) ManagerByUsername(ctx context.Context, username string) (*Manager, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var m Manager
	if err := s.managers.FindOne(ctx, bson.M{"username": username}).Decode(&m); err != nil {
		return nil, mapReadErr(err)
	}
	return &m, nil
}

// ManagerByEmail looks up a manager account by email.
func (s *Store) ManagerByEmail(ctx context.Context, email string) (*Manager, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var m Manager
	if err := s.managers.FindOne(ctx, bson.M{"email": email}).Decode(&m); err != nil {
		return nil, mapReadErr(err)
	}
	return &m, nil
}

// TouchManagerLogin records a successful manager login.
func (s *Store) TouchManagerLogin(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.managers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_login": at}})
	return err
}

// CreateVolunteer inserts a new volunteer account.
func (s *Store) CreateVolunteer(ctx context.Context, v *Volunteer) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.volunteers.InsertOne(ctx, v); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

// VolunteerByID fetches one volunteer.
func (s *Store) VolunteerByID(ctx context.Context, id string) (*Volunteer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v Volunteer
	if err := s.volunteers.FindOne(ctx, bson.M{"_id": id}).Decode(&v); err != nil {
		return nil, mapReadErr(err)
	}
	return &v, nil
}

// VolunteerByUsername looks up a volunteer account for login.
func (s *Store) VolunteerByUsername(ctx context.Context, username string) (*Volunteer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v Volunteer
	if err := s.volunteers.FindOne(ctx, bson.M{"username": username}).Decode(&v); err != nil {
		return nil, mapReadErr(err)
	}
	return &v, nil
}

// ListVolunteers returns every volunteer. The fingerprint matcher runs over
// the full set; volunteer counts are small relative to task volume.
func (s *Store) ListVolunteers(ctx context.Context) ([]Volunteer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.volunteers.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var out []Volunteer
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableVolunteers returns volunteers currently marked available.
func (s *Store) AvailableVolunteers(ctx context.Context) ([]Volunteer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.volunteers.Find(ctx, bson.M{"status": VolunteerAvailable})
	if err != nil {
		return nil, err
	}
	var out []Volunteer
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateVolunteerMachine refreshes a returning volunteer's hardware
// description, declared resources and liveness timestamp.
func (s *Store) UpdateVolunteerMachine(ctx context.Context, id string, info map[string]any, res Resources, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"machine_info": info,
		"resources":    res,
		"last_seen":    at,
	}})
	return err
}

// UpdateVolunteerProfile rewrites a returning volunteer's identity fields.
// Empty arguments leave the stored value untouched.
func (s *Store) UpdateVolunteerProfile(ctx context.Context, id, name, username, passwordHash string) error {
	set := bson.M{}
	if name != "" {
		set["name"] = name
	}
	if username != "" {
		set["username"] = username
	}
	if passwordHash != "" {
		set["password_hash"] = passwordHash
	}
	if len(set) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	return mapWriteErr(err)
}

// SetVolunteerResources updates a volunteer's declared capacity.
func (s *Store) SetVolunteerResources(ctx context.Context, id string, res Resources) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"resources": res}})
	return err
}

// SetVolunteerStatus moves a volunteer between availability states.
func (s *Store) SetVolunteerStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVolunteerTrust writes the recomputed trust score and completion
// counters.
func (s *Store) SetVolunteerTrust(ctx context.Context, id string, score float64, completed, failed int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"trust_score":     score,
		"tasks_completed": completed,
		"tasks_failed":    failed,
	}})
	return err
}

// TouchVolunteer records a heartbeat.
func (s *Store) TouchVolunteer(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.volunteers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_seen": at}})
	return err
}

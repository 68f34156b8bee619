// Package lessons is the narrow contract to the course service's
// lesson records. The course/lesson CRUD itself lives outside this
// system; all the pipeline needs is to point a lesson at the finished
// asset once processing completes.
package lessons

import "context"

// Store attaches finished assets to lesson records.
type Store interface {
	// AttachAsset points the lesson at the finished asset.
	AttachAsset(ctx context.Context, lessonID, fileKey, fileURL string) error

	// AttachAssetByPlaceholder replaces a placeholder key with the
	// final asset reference on whichever lesson carries it. Returns
	// the number of rows updated.
	AttachAssetByPlaceholder(ctx context.Context, placeholderKey, fileKey, fileURL string) (int64, error)

	// AttachAssetByFileKey reconfirms the asset URL on a lesson that
	// already references the final key. Returns rows updated.
	AttachAssetByFileKey(ctx context.Context, fileKey, fileURL string) (int64, error)
}

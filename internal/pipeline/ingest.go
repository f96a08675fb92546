// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/capability/downloader"
	"github.com/clipforge/clipforge/internal/capability/transcriber"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
)

// runIngest materialises raw/video.<ext> and raw/subtitle.srt. Local
// sources are promoted from the upload staging area; remote sources go
// through the downloader. A subtitle track is taken from the user, then
// from the platform sidecar, then synthesised.
func (o *Orchestrator) runIngest(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	videoPath, haveVideo := o.findRawVideo(env.project.ID)
	duration := env.project.VideoDuration
	var sidecarSub string

	if haveVideo {
		summary.Counts["video_reused"] = 1
	} else {
		var err error
		switch env.project.SourceType {
		case meta.SourceLocal:
			videoPath, err = o.ingestLocal(ctx, env, summary)
		case meta.SourceRemote:
			videoPath, sidecarSub, duration, err = o.ingestRemote(ctx, env, summary)
		default:
			err = apperr.Newf(apperr.Unrecoverable, "unknown source type %q", env.project.SourceType)
		}
		if err != nil {
			return summary, err
		}
	}

	env.sub(ctx, 0.9, "preparing subtitles")
	subPath, err := o.ensureSubtitle(ctx, env, videoPath, sidecarSub, duration, summary)
	if err != nil {
		return summary, err
	}

	if err := o.deps.Meta.UpdateProjectMedia(ctx, env.project.ID, videoPath, subPath, duration); err != nil {
		return summary, err
	}
	env.project.VideoPath = videoPath
	env.project.SubtitlePath = subPath
	env.project.VideoDuration = duration
	return summary, nil
}

// ingestLocal moves the attached upload into raw/. A source path outside
// the staging area (operator-provided) is copied instead of moved.
func (o *Orchestrator) ingestLocal(ctx context.Context, env *runEnv, summary StageSummary) (string, error) {
	src := env.project.VideoPath
	if strings.TrimSpace(src) == "" {
		return "", apperr.New(apperr.Unrecoverable, "missing artifact: source video")
	}
	if _, err := os.Stat(src); err != nil {
		return "", apperr.Wrap(apperr.Unrecoverable, err, "missing artifact: source video")
	}
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.Cancelled, err, "ingest")
	}

	rel := RawVideoStem + videoExt(src)
	abs, err := o.deps.Content.PromoteUpload(src, env.project.ID, rel)
	if err == nil {
		summary.Counts["video_promoted"] = 1
		return abs, nil
	}
	if apperr.KindOf(err) != apperr.InvalidArgument {
		return "", err
	}

	// Not a staged upload; stream it in and leave the source alone.
	abs, err = o.copyIntoProject(env.project.ID, src, rel)
	if err != nil {
		return "", err
	}
	summary.Counts["video_copied"] = 1
	return abs, nil
}

// ingestRemote downloads the source into scratch space and moves the
// results under raw/.
func (o *Orchestrator) ingestRemote(ctx context.Context, env *runEnv, summary StageSummary) (video, sidecarSub string, duration float64, err error) {
	destDir, err := os.MkdirTemp(o.deps.Content.TempDir(), env.project.ID+"-ingest-")
	if err != nil {
		return "", "", 0, apperr.Wrap(apperr.Internal, err, "create download scratch dir")
	}
	defer os.RemoveAll(destDir)

	res, err := o.deps.Downloader.Fetch(ctx, downloader.Request{
		URL:       env.project.SourceURL,
		DestDir:   destDir,
		CookieJar: o.resolveCookieJar(env),
		OnProgress: func(fraction float64) {
			env.sub(ctx, fraction*0.85, "downloading")
		},
	})
	if err != nil {
		return "", "", 0, err
	}

	video, err = o.moveIntoProject(env.project.ID, res.VideoPath, RawVideoStem+videoExt(res.VideoPath))
	if err != nil {
		return "", "", 0, err
	}
	summary.Counts["video_downloaded"] = 1

	if res.SubtitlePath != "" {
		sidecarSub, err = o.moveIntoProject(env.project.ID, res.SubtitlePath, SubtitleArtifact)
		if err != nil {
			return "", "", 0, err
		}
		summary.Counts["subtitle_sidecar"] = 1
	}
	if res.InfoPath != "" {
		if _, err := o.moveIntoProject(env.project.ID, res.InfoPath, InfoArtifact); err != nil {
			summary.Warnings = append(summary.Warnings, "info sidecar not kept: "+err.Error())
		} else {
			summary.Counts["info_saved"] = 1
		}
	}
	return video, sidecarSub, res.Duration, nil
}

// ensureSubtitle materialises raw/subtitle.srt. A user-provided track wins
// over the platform sidecar; without either, one is synthesised.
func (o *Orchestrator) ensureSubtitle(ctx context.Context, env *runEnv, videoPath, sidecarSub string, duration float64, summary StageSummary) (string, error) {
	abs, err := env.path(SubtitleArtifact)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.Cancelled, err, "ingest subtitles")
	}

	if user := env.project.SubtitlePath; user != "" && user != abs {
		if _, statErr := os.Stat(user); statErr == nil {
			if _, err := o.copyIntoProject(env.project.ID, user, SubtitleArtifact); err != nil {
				return "", err
			}
			summary.Counts["subtitle_user"] = 1
			return abs, nil
		}
		summary.Warnings = append(summary.Warnings, "provided subtitle path not readable: "+env.project.SubtitlePath)
	}

	if o.deps.Content.Exists(abs) {
		if sidecarSub == "" {
			summary.Counts["subtitle_reused"] = 1
		}
		return abs, nil
	}

	if err := o.deps.Transcriber.Transcribe(ctx, transcriber.Request{
		VideoPath: videoPath,
		DstPath:   abs,
		Duration:  time.Duration(duration * float64(time.Second)),
	}); err != nil {
		return "", err
	}
	summary.Counts["subtitle_synthesised"] = 1
	return abs, nil
}

// resolveCookieJar maps the project's jar id to a file under the cookies
// directory. A missing jar downgrades to anonymous access with a warning.
func (o *Orchestrator) resolveCookieJar(env *runEnv) string {
	id := env.project.CookieJarID
	if id == "" || o.opts.CookiesDir == "" {
		return ""
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		env.logger.Warn().
			Str(log.FieldEvent, "pipeline.cookie_jar_rejected").
			Msg("cookie jar id contains path separators, ignoring")
		return ""
	}
	jar := filepath.Join(o.opts.CookiesDir, id+".txt")
	if _, err := os.Stat(jar); err != nil {
		env.logger.Warn().
			Str(log.FieldPath, jar).
			Str(log.FieldEvent, "pipeline.cookie_jar_missing").
			Msg("cookie jar not found, downloading anonymously")
		return ""
	}
	return jar
}

// moveIntoProject renames a scratch file into the project tree, falling
// back to a copy when the rename crosses devices.
func (o *Orchestrator) moveIntoProject(projectID, src, rel string) (string, error) {
	dst, err := o.deps.Content.Path(projectID, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "create artifact directory")
	}
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	abs, err := o.copyIntoProject(projectID, src, rel)
	if err != nil {
		return "", err
	}
	_ = os.Remove(src)
	return abs, nil
}

// copyIntoProject streams an arbitrary readable file into the project tree
// through the store's atomic write.
func (o *Orchestrator) copyIntoProject(projectID, src, rel string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.Wrap(apperr.Unrecoverable, err, "missing artifact: "+rel)
		}
		return "", apperr.Wrap(apperr.Internal, err, "open source file")
	}
	defer f.Close()
	return o.deps.Content.Save(projectID, rel, f)
}

func videoExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4", ".mkv", ".webm", ".mov", ".avi", ".flv", ".ts", ".m4v":
		return ext
	default:
		return ".mp4"
	}
}
